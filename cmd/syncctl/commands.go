package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"schoolsync/internal/database"
	"schoolsync/internal/export"
	"schoolsync/internal/models"
	"schoolsync/internal/repository"
	"schoolsync/internal/service"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var listExample = `
# List everything
syncctl list

# Only operations waiting for a decision
syncctl list --status failed_terminal`

var statusExample = `
# Status of a running agent
syncctl status --agent http://localhost:8090

# Queue counters from the local database and the last published snapshot
syncctl status`

var retryLong = `Resets the attempt counter of a failed operation and puts it back to PENDING.
Without --agent the change is written to the database and a running agent
picks it up on its next pass.`

func listCmd(opts *options) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List queued operations in replay order",
		Example: listExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := opts.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ops, err := db.List(cmd.Context())
			if err != nil {
				return err
			}
			if status != "" {
				want := models.OperationStatus(strings.ToUpper(status))
				filtered := ops[:0]
				for _, op := range ops {
					if op.Status == want {
						filtered = append(filtered, op)
					}
				}
				ops = filtered
			}

			if len(ops) == 0 {
				cmd.Println("Queue is empty")
				return nil
			}
			printOperations(cmd.OutOrStdout(), ops)
			return nil
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", "", "Filter by status (pending, in_flight, failed_retryable, failed_terminal)")

	return cmd
}

func statusCmd(opts *options) *cobra.Command {
	var deadLetters int

	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Show sync status",
		Example: statusExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			if agent := opts.agent(); agent != nil {
				s, err := agent.Status(cmd.Context())
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), s)
				return nil
			}

			cfg, db, err := opts.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			count, err := db.Count(cmd.Context())
			if err != nil {
				return err
			}
			failed, err := db.Failed(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("Queued: %d\n", count)
			cmd.Printf("Awaiting decision: %s\n", color.New(color.FgRed).Sprint(len(failed)))

			if cfg.Redis.Address == "" || cfg.Sync.SessionID == "" {
				return nil
			}
			client := repository.NewRedisClient(cfg.Redis)
			defer client.Close()

			statuses := service.NewStatusService(
				repository.NewRedisStatusRepository(client, cfg.Redis.TTL), nil, cfg.Sync.SessionID, opts.logger())
			return printPublished(cmd, statuses, cfg.Sync.SessionID, deadLetters)
		},
	}

	cmd.Flags().IntVarP(&deadLetters, "dead-letters", "n", 10, "How many mirrored terminal operations to show")

	return cmd
}

// publishedStatus is the read side of the status the agent mirrors to redis.
type publishedStatus interface {
	Latest(ctx context.Context) (*models.SyncStatus, error)
	DeadLetters(ctx context.Context, limit int) ([]models.QueuedOperation, error)
}

func printPublished(cmd *cobra.Command, statuses publishedStatus, session string, limit int) error {
	snapshot, err := statuses.Latest(cmd.Context())
	if err != nil {
		cmd.PrintErrln("redis:", err)
		return nil
	}
	cmd.Println()
	if snapshot == nil {
		cmd.Println("No published status for session", session)
	} else {
		printStatus(cmd.OutOrStdout(), *snapshot)
	}

	if limit <= 0 {
		return nil
	}
	ops, err := statuses.DeadLetters(cmd.Context(), limit)
	if err != nil {
		cmd.PrintErrln("redis:", err)
		return nil
	}
	if len(ops) == 0 {
		return nil
	}
	cmd.Println()
	cmd.Println(color.New(color.FgRed).Sprint("Dead letters:"))
	printOperations(cmd.OutOrStdout(), ops)
	return nil
}

func dismissCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dismiss <id>",
		Short:   "Drop a failed operation for good",
		Example: `syncctl dismiss 7d1c2b8e-5b0f-4c55-9f61-2c0b1f4d3a10`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			if agent := opts.agent(); agent != nil {
				if err := agent.Dismiss(cmd.Context(), id); err != nil {
					return err
				}
				cmd.Printf("Dismissed operation: %s\n", id)
				return nil
			}

			_, db, err := opts.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Dismiss(cmd.Context(), id); err != nil {
				return err
			}
			cmd.Printf("Dismissed operation: %s\n", id)
			return nil
		},
	}

	return cmd
}

func retryCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "retry <id>",
		Short:   "Queue a failed operation for replay",
		Long:    retryLong,
		Example: `syncctl retry 7d1c2b8e-5b0f-4c55-9f61-2c0b1f4d3a10 --agent http://localhost:8090`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			if agent := opts.agent(); agent != nil {
				if err := agent.Retry(cmd.Context(), id); err != nil {
					return err
				}
				cmd.Printf("Retry scheduled: %s\n", id)
				return nil
			}

			_, db, err := opts.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.ResetForRetry(cmd.Context(), id); err != nil {
				return err
			}
			cmd.Printf("Retry scheduled: %s\n", id)
			return nil
		},
	}

	return cmd
}

func syncCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sync",
		Short:   "Ask a running agent to drain the queue now",
		Example: `syncctl sync --agent http://localhost:8090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			agent := opts.agent()
			if agent == nil {
				return errors.New("sync needs a running agent, pass --agent")
			}
			s, err := agent.Sync(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), s)
			return nil
		},
	}

	return cmd
}

func exportCmd(opts *options) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:     "export",
		Short:   "Export the queue to an Excel workbook",
		Example: `syncctl export --dir /tmp/reports`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := opts.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if dir == "" {
				dir = cfg.Exports.Path
			}
			path, err := export.NewExporter(db, dir, opts.logger()).SaveFile(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			cmd.Println("Export written to", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Output directory (defaults to exports.path)")

	return cmd
}

func backupCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "backup",
		Short:   "Copy the queue database to the backup directory",
		Example: `syncctl backup`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := opts.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			svc := database.NewBackupService(db, cfg.Backup, opts.logger())
			path, err := svc.PerformBackup(cmd.Context())
			if err != nil {
				return err
			}
			svc.CleanupOldBackups()
			cmd.Println("Backup written to", path)
			return nil
		},
	}

	return cmd
}
