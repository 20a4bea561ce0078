package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"schoolsync/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := NewDB(filepath.Join(t.TempDir(), "queue.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
	assert.Equal(t, dbPath, db.Path())
}

func TestDB_Ping(t *testing.T) {
	db := setupTestDB(t)

	err := db.PingContext(context.Background())
	assert.NoError(t, err)
}

func TestDB_Pragmas(t *testing.T) {
	db := setupTestDB(t)

	var mode string
	require.NoError(t, db.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)

	var syncMode int
	require.NoError(t, db.QueryRow(`PRAGMA synchronous`).Scan(&syncMode))
	assert.Equal(t, 2, syncMode) // FULL
}

func TestCreatedAt_MonotonicWhenClockGoesBack(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	start := time.Date(2024, 9, 10, 8, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	db.SetClock(clock)

	first, err := db.Enqueue(ctx, models.DeleteStudent{StudentID: "s1"})
	require.NoError(t, err)

	// Same instant, then a backwards jump.
	second, err := db.Enqueue(ctx, models.DeleteStudent{StudentID: "s2"})
	require.NoError(t, err)
	db.SetClock(clockwork.NewFakeClockAt(start.Add(-time.Hour)))
	third, err := db.Enqueue(ctx, models.DeleteStudent{StudentID: "s3"})
	require.NoError(t, err)

	assert.True(t, second.CreatedAt.After(first.CreatedAt))
	assert.True(t, third.CreatedAt.After(second.CreatedAt))
	assert.Equal(t, time.Microsecond, third.CreatedAt.Sub(second.CreatedAt))
}

func TestCreatedAt_WatermarkSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	logger := zerolog.Nop()
	ctx := context.Background()
	future := time.Now().Add(24 * time.Hour)

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	db.SetClock(clockwork.NewFakeClockAt(future))
	before, err := db.Enqueue(ctx, models.DeleteStudent{StudentID: "s1"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	after, err := db.Enqueue(ctx, models.DeleteStudent{StudentID: "s2"})
	require.NoError(t, err)
	assert.True(t, after.CreatedAt.After(before.CreatedAt))

	ops, err := db.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, before.ID, ops[0].ID)
}
