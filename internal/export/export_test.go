package export

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"schoolsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type staticSource struct {
	ops []models.QueuedOperation
	err error
}

func (s staticSource) List(context.Context) ([]models.QueuedOperation, error) {
	return s.ops, s.err
}

func sampleOps() []models.QueuedOperation {
	created := time.Date(2024, 9, 10, 8, 0, 0, 0, time.UTC)
	next := created.Add(time.Minute)
	reason := "grade:g7 no longer exists on the server"
	return []models.QueuedOperation{
		{ID: "op-1", Kind: models.KindCreateAttendance, Target: "attendance:s1:2024-09-10", Status: models.StatusPending, CreatedAt: created},
		{ID: "op-2", Kind: models.KindRecordPayment, Target: "payment:p1", Status: models.StatusFailedRetryable, AttemptCount: 2, CreatedAt: created, NextAttemptAt: &next},
		{ID: "op-3", Kind: models.KindUpdateGrade, Target: "grade:g7", Status: models.StatusFailedTerminal, AttemptCount: 1, CreatedAt: created, LastError: &reason},
	}
}

func TestSaveFile(t *testing.T) {
	logger := zerolog.Nop()
	dir := filepath.Join(t.TempDir(), "exports")
	now := time.Date(2024, 9, 11, 12, 30, 0, 0, time.UTC)

	path, err := NewExporter(staticSource{ops: sampleOps()}, dir, &logger).SaveFile(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sync_queue_20240911_123000.xlsx"), path)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetQueue, SheetFailed}, f.GetSheetList())

	rows, err := f.GetRows(SheetQueue)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Contains(t, rows[0][0], "2024-09-11 12:30:00")
	assert.Equal(t, headers, rows[1])
	assert.Equal(t, "op-1", rows[2][0])
	assert.Equal(t, "FAILED_RETRYABLE", rows[3][3])
	assert.Equal(t, "2", rows[3][4])
	assert.Equal(t, "2024-09-10 08:01:00", rows[3][6])

	failed, err := f.GetRows(SheetFailed)
	require.NoError(t, err)
	require.Len(t, failed, 3)
	assert.Equal(t, "op-3", failed[2][0])
	assert.Equal(t, "grade:g7 no longer exists on the server", failed[2][7])
}

func TestWrite(t *testing.T) {
	logger := zerolog.Nop()
	var buf bytes.Buffer

	err := NewExporter(staticSource{}, t.TempDir(), &logger).Write(context.Background(), &buf, time.Now())
	require.NoError(t, err)

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetQueue)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestWrite_SourceError(t *testing.T) {
	logger := zerolog.Nop()
	var buf bytes.Buffer

	err := NewExporter(staticSource{err: errors.New("disk I/O error")}, t.TempDir(), &logger).
		Write(context.Background(), &buf, time.Now())
	assert.ErrorContains(t, err, "disk I/O error")
	assert.Zero(t, buf.Len())
}
