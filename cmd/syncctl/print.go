package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"schoolsync/internal/models"

	"github.com/fatih/color"
)

var statusColors = map[models.OperationStatus]*color.Color{
	models.StatusPending:         color.New(color.FgCyan),
	models.StatusInFlight:        color.New(color.FgYellow),
	models.StatusFailedRetryable: color.New(color.FgHiMagenta),
	models.StatusFailedTerminal:  color.New(color.FgRed),
}

var stateColors = map[models.SyncState]*color.Color{
	models.StateIdle:    color.New(color.FgHiGreen),
	models.StateSyncing: color.New(color.FgYellow),
	models.StateError:   color.New(color.FgRed, color.Bold),
}

func colorStatus(s models.OperationStatus) string {
	if c, ok := statusColors[s]; ok {
		return c.Sprint(s)
	}
	return string(s)
}

func colorState(s models.SyncState) string {
	if c, ok := stateColors[s]; ok {
		return c.Sprint(s)
	}
	return string(s)
}

func printOperations(out io.Writer, ops []models.QueuedOperation) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", "ID", "KIND", "TARGET", "STATUS", "ATTEMPTS", "CREATED", "LAST ERROR")
	for _, op := range ops {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			op.ID,
			op.Kind,
			op.Target,
			colorStatus(op.Status),
			op.AttemptCount,
			op.CreatedAt.Local().Format(time.DateTime),
			truncate(op.ErrorText(), 60),
		)
	}
	_ = w.Flush()
}

func printStatus(out io.Writer, s models.SyncStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "State:\t%s\n", colorState(s.State))
	fmt.Fprintf(w, "Online:\t%t\n", s.Online)
	fmt.Fprintf(w, "Pending:\t%d\n", s.PendingCount)
	fmt.Fprintf(w, "Processed:\t%d\n", s.Processed)
	if s.BlockingID != "" {
		fmt.Fprintf(w, "Blocking:\t%s\n", s.BlockingID)
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", color.New(color.FgRed).Sprint(s.LastError))
	}
	if !s.At.IsZero() {
		fmt.Fprintf(w, "At:\t%s\n", s.At.Local().Format(time.DateTime))
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
