package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"schoolsync/internal/database"
	"schoolsync/internal/models"
	"schoolsync/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	dir        string
	configPath string
	pending    string
	terminal   string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	color.NoColor = true

	dir := t.TempDir()
	f := &fixture{dir: dir, configPath: filepath.Join(dir, "agent.yaml")}

	cfg := "database:\n  path: " + filepath.Join(dir, "queue.db") + "\n" +
		"exports:\n  path: " + filepath.Join(dir, "exports") + "\n" +
		"backup:\n  storage_path: " + filepath.Join(dir, "backups") + "\n"
	require.NoError(t, os.WriteFile(f.configPath, []byte(cfg), 0o600))

	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(dir, "queue.db"), &logger)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	a, err := db.Enqueue(ctx, models.CreateStudent{StudentID: "s1", FirstName: "Ann", LastName: "Lee"})
	require.NoError(t, err)
	b, err := db.Enqueue(ctx, models.CreateAttendance{StudentID: "s1", Date: "2024-09-10", Status: "PRESENT"})
	require.NoError(t, err)
	require.NoError(t, db.MarkInFlight(ctx, b.ID))
	require.NoError(t, db.MarkFailed(ctx, b.ID, errors.New("rejected"), false, nil))

	f.pending, f.terminal = a.ID, b.ID
	return f
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--config", f.configPath))
	err := cmd.Execute()
	return out.String(), err
}

func TestList(t *testing.T) {
	f := setup(t)

	out, err := f.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, f.pending)
	assert.Contains(t, out, f.terminal)
	assert.Contains(t, out, "FAILED_TERMINAL")
	assert.Contains(t, out, "rejected")

	out, err = f.run(t, "list", "--status", "failed_terminal")
	require.NoError(t, err)
	assert.Contains(t, out, f.terminal)
	assert.NotContains(t, out, f.pending)
}

func TestDismissAndRetry_Local(t *testing.T) {
	f := setup(t)

	_, err := f.run(t, "dismiss", f.pending)
	assert.Error(t, err, "only terminal records can be dismissed")

	out, err := f.run(t, "retry", f.terminal)
	require.NoError(t, err)
	assert.Contains(t, out, "Retry scheduled")

	out, err = f.run(t, "list", "--status", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, f.terminal)

	_, err = f.run(t, "dismiss", f.terminal)
	assert.Error(t, err)
}

func TestStatus_Local(t *testing.T) {
	f := setup(t)

	out, err := f.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Queued: 1")
	assert.Contains(t, out, "Awaiting decision: 1")
}

func TestStatus_PublishedSnapshot(t *testing.T) {
	f := setup(t)
	mr := miniredis.RunT(t)

	extra := "redis:\n  address: " + mr.Addr() + "\nsync:\n  session_id: desk-7\n"
	cfg, err := os.OpenFile(f.configPath, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = cfg.WriteString(extra)
	require.NoError(t, err)
	require.NoError(t, cfg.Close())

	out, err := f.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No published status for session desk-7")

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	repo := repository.NewRedisStatusRepository(client, time.Hour)
	ctx := context.Background()
	require.NoError(t, repo.SaveStatus(ctx, "desk-7", models.SyncStatus{State: models.StateError, BlockingID: "op-9", LastError: "unauthorized"}))
	require.NoError(t, repo.PushDeadLetter(ctx, "desk-7", models.QueuedOperation{
		ID: "op-dead", Kind: models.KindRecordPayment, Target: "payment:p1", Status: models.StatusFailedTerminal,
	}))

	out, err = f.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "op-9")
	assert.Contains(t, out, "unauthorized")
	assert.Contains(t, out, "Dead letters:")
	assert.Contains(t, out, "op-dead")

	out, err = f.run(t, "status", "--dead-letters", "0")
	require.NoError(t, err)
	assert.NotContains(t, out, "op-dead")
}

func TestAgentCommands(t *testing.T) {
	f := setup(t)

	var (
		mu    sync.Mutex
		calls []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case "/api/v1/status", "/api/v1/sync":
			_ = json.NewEncoder(w).Encode(models.SyncStatus{State: models.StateError, PendingCount: 3, BlockingID: "op-1", LastError: "boom"})
		case "/api/v1/operations/op-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"operation is not retryable"}`))
		}
	}))
	defer srv.Close()

	out, err := f.run(t, "status", "--agent", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "ERROR")
	assert.Contains(t, out, "op-1")

	_, err = f.run(t, "sync", "--agent", srv.URL)
	require.NoError(t, err)

	_, err = f.run(t, "dismiss", "op-1", "--agent", srv.URL)
	require.NoError(t, err)

	_, err = f.run(t, "retry", "op-2", "--agent", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not retryable")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"GET /api/v1/status",
		"POST /api/v1/sync",
		"DELETE /api/v1/operations/op-1",
		"POST /api/v1/operations/op-2/retry",
	}, calls)
}

func TestSync_NeedsAgent(t *testing.T) {
	f := setup(t)

	_, err := f.run(t, "sync")
	assert.Error(t, err)
}

func TestExportAndBackup(t *testing.T) {
	f := setup(t)

	out, err := f.run(t, "export")
	require.NoError(t, err)
	assert.Contains(t, out, "Export written to")
	files, err := os.ReadDir(filepath.Join(f.dir, "exports"))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	out, err = f.run(t, "backup")
	require.NoError(t, err)
	assert.Contains(t, out, "Backup written to")
	files, err = os.ReadDir(filepath.Join(f.dir, "backups"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}
