package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"schoolsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const (
	SheetQueue  = "Queue"
	SheetFailed = "Failed"

	timeLayout = "2006-01-02 15:04:05"
)

var headers = []string{"ID", "Kind", "Target", "Status", "Attempts", "Created", "Next attempt", "Last error"}

// Source lists queued operations, terminal ones included.
type Source interface {
	List(ctx context.Context) ([]models.QueuedOperation, error)
}

// Exporter writes the local queue to an xlsx workbook: waiting operations on
// one sheet, operations awaiting dismissal on another.
type Exporter struct {
	source Source
	dir    string
	logger *zerolog.Logger
}

func NewExporter(source Source, dir string, logger *zerolog.Logger) *Exporter {
	return &Exporter{source: source, dir: dir, logger: logger}
}

// Write streams the workbook to w.
func (e *Exporter) Write(ctx context.Context, w io.Writer, now time.Time) error {
	f, err := e.build(ctx, now)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}

// SaveFile writes the workbook into the export directory and returns its path.
func (e *Exporter) SaveFile(ctx context.Context, now time.Time) (string, error) {
	// Создаем папку для экспорта, если не существует
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	f, err := e.build(ctx, now)
	if err != nil {
		return "", err
	}
	defer f.Close()

	filePath := filepath.Join(e.dir, FileName(now))
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}

	e.logger.Info().Str("file_path", filePath).Msg("Queue export created")
	return filePath, nil
}

// FileName is the workbook name for an export taken at now.
func FileName(now time.Time) string {
	return fmt.Sprintf("sync_queue_%s.xlsx", now.UTC().Format("20060102_150405"))
}

func (e *Exporter) build(ctx context.Context, now time.Time) (*excelize.File, error) {
	ops, err := e.source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing operations: %w", err)
	}

	var waiting, failed []models.QueuedOperation
	for _, op := range ops {
		if op.Terminal() {
			failed = append(failed, op)
			continue
		}
		waiting = append(waiting, op)
	}

	f := excelize.NewFile()
	title := fmt.Sprintf("Exported %s UTC", now.UTC().Format(timeLayout))

	for i, sheet := range []struct {
		name string
		ops  []models.QueuedOperation
	}{
		{SheetQueue, waiting},
		{SheetFailed, failed},
	} {
		index, err := f.NewSheet(sheet.name)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("error creating sheet: %w", err)
		}
		if i == 0 {
			f.SetActiveSheet(index)
		}
		if err := writeSheet(f, sheet.name, title, sheet.ops); err != nil {
			f.Close()
			return nil, err
		}
	}

	// Удаляем стандартный лист
	_ = f.DeleteSheet("Sheet1")
	return f, nil
}

func writeSheet(f *excelize.File, sheet, title string, ops []models.QueuedOperation) error {
	_ = f.SetCellValue(sheet, "A1", title)
	lastCol, _ := excelize.ColumnNumberToName(len(headers))
	_ = f.MergeCell(sheet, "A1", lastCol+"1")

	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(sheet, "A1", "A1", titleStyle)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err := f.SetSheetRow(sheet, "A2", &headers); err != nil {
		return fmt.Errorf("error writing headers: %w", err)
	}
	_ = f.SetCellStyle(sheet, "A2", lastCol+"2", headerStyle)

	for i, op := range ops {
		next := ""
		if op.NextAttemptAt != nil {
			next = op.NextAttemptAt.UTC().Format(timeLayout)
		}
		row := []interface{}{
			op.ID,
			string(op.Kind),
			op.Target,
			string(op.Status),
			op.AttemptCount,
			op.CreatedAt.UTC().Format(timeLayout),
			next,
			op.ErrorText(),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+3)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("error writing row: %w", err)
		}
	}

	// Настраиваем ширину колонок
	_ = f.SetColWidth(sheet, "A", "A", 38)
	_ = f.SetColWidth(sheet, "B", "G", 20)
	_ = f.SetColWidth(sheet, "H", "H", 60)
	return nil
}
