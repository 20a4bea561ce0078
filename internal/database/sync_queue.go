package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"schoolsync/internal/domain"
	"schoolsync/internal/models"

	"github.com/google/uuid"
)

const selectColumns = `seq, id, kind, target, payload, created_at, attempt_count, status, last_error, next_attempt_at`

// Enqueue validates and durably appends a mutation. The returned record is
// on disk when Enqueue returns.
func (db *DB) Enqueue(ctx context.Context, m models.Mutation) (*models.QueuedOperation, error) {
	if fields := models.Validate(m); len(fields) > 0 {
		return nil, &domain.ValidationError{Message: "invalid payload", Fields: fields}
	}

	payload, err := models.EncodeMutation(m)
	if err != nil {
		return nil, err
	}

	op := &models.QueuedOperation{
		ID:      uuid.NewString(),
		Kind:    m.Kind(),
		Target:  m.Target(),
		Payload: payload,
		Status:  models.StatusPending,
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	op.CreatedAt = db.nextCreatedAt()

	query := `INSERT INTO sync_queue (id, kind, target, payload, created_at, attempt_count, status)
              VALUES (?, ?, ?, ?, ?, 0, ?)`
	result, err := db.ExecContext(ctx, query,
		op.ID,
		string(op.Kind),
		op.Target,
		string(op.Payload),
		op.CreatedAt.UnixNano(),
		string(op.Status),
	)
	if err != nil {
		return nil, &domain.StorageError{Op: "enqueue", Err: err}
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return nil, &domain.StorageError{Op: "enqueue", Err: fmt.Errorf("failed to get last insert id: %w", err)}
	}
	op.Seq = seq

	db.logger.Debug().
		Str("id", op.ID).
		Str("kind", string(op.Kind)).
		Str("target", op.Target).
		Msg("Operation enqueued")

	return op, nil
}

// List returns every record in enqueue order.
func (db *DB) List(ctx context.Context) ([]models.QueuedOperation, error) {
	query := `SELECT ` + selectColumns + ` FROM sync_queue ORDER BY created_at ASC, seq ASC`
	return db.query(ctx, "list", query)
}

// Failed returns terminal records, newest first.
func (db *DB) Failed(ctx context.Context) ([]models.QueuedOperation, error) {
	query := `SELECT ` + selectColumns + ` FROM sync_queue WHERE status = ? ORDER BY created_at DESC, seq DESC`
	return db.query(ctx, "failed", query, string(models.StatusFailedTerminal))
}

func (db *DB) Get(ctx context.Context, id string) (*models.QueuedOperation, error) {
	query := `SELECT ` + selectColumns + ` FROM sync_queue WHERE id = ?`
	op, err := scanOperation(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "get", Err: err}
	}
	return op, nil
}

// Count returns the number of non-terminal records.
func (db *DB) Count(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE status != ?`,
		string(models.StatusFailedTerminal)).Scan(&n)
	if err != nil {
		return 0, &domain.StorageError{Op: "count", Err: err}
	}
	return n, nil
}

// MarkInFlight claims a PENDING or FAILED_RETRYABLE record. At most one record
// is IN_FLIGHT at a time.
func (db *DB) MarkInFlight(ctx context.Context, id string) error {
	query := `UPDATE sync_queue SET status = ?
              WHERE id = ? AND status IN (?, ?)
              AND NOT EXISTS (SELECT 1 FROM sync_queue WHERE status = ?)`
	res, err := db.ExecContext(ctx, query,
		string(models.StatusInFlight),
		id,
		string(models.StatusPending), string(models.StatusFailedRetryable),
		string(models.StatusInFlight),
	)
	if err != nil {
		return &domain.StorageError{Op: "mark in flight", Err: err}
	}
	return db.expectOne(ctx, "mark in flight", res, id)
}

// MarkSucceeded removes an acknowledged record.
func (db *DB) MarkSucceeded(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return &domain.StorageError{Op: "mark succeeded", Err: err}
	}
	return db.expectOne(ctx, "mark succeeded", res, id)
}

// MarkFailed records a failed attempt. retryable=false makes the record
// FAILED_TERMINAL; it stays in the table until dismissed or retried.
func (db *DB) MarkFailed(ctx context.Context, id string, cause error, retryable bool, nextAttemptAt *time.Time) error {
	status := models.StatusFailedTerminal
	if retryable {
		status = models.StatusFailedRetryable
	} else {
		nextAttemptAt = nil
	}

	var errMsg *string
	if cause != nil {
		msg := cause.Error()
		errMsg = &msg
	}

	query := `UPDATE sync_queue SET status = ?, last_error = ?, next_attempt_at = ?, attempt_count = attempt_count + 1 WHERE id = ?`
	res, err := db.ExecContext(ctx, query, string(status), errMsg, nanos(nextAttemptAt), id)
	if err != nil {
		return &domain.StorageError{Op: "mark failed", Err: err}
	}
	return db.expectOne(ctx, "mark failed", res, id)
}

// Dismiss deletes a FAILED_TERMINAL record.
func (db *DB) Dismiss(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ? AND status = ?`,
		id, string(models.StatusFailedTerminal))
	if err != nil {
		return &domain.StorageError{Op: "dismiss", Err: err}
	}
	if err := db.expectOne(ctx, "dismiss", res, id); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return fmt.Errorf("operation %s: %w", id, ErrNotDismissable)
		}
		return err
	}
	return nil
}

// ResetForRetry returns a FAILED_TERMINAL record to PENDING with a fresh
// attempt budget.
func (db *DB) ResetForRetry(ctx context.Context, id string) error {
	query := `UPDATE sync_queue SET status = ?, attempt_count = 0, last_error = NULL, next_attempt_at = NULL
              WHERE id = ? AND status = ?`
	res, err := db.ExecContext(ctx, query, string(models.StatusPending), id, string(models.StatusFailedTerminal))
	if err != nil {
		return &domain.StorageError{Op: "reset for retry", Err: err}
	}
	if err := db.expectOne(ctx, "reset for retry", res, id); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return fmt.Errorf("operation %s: %w", id, ErrNotRetryable)
		}
		return err
	}
	return nil
}

// Rebase replaces the payload of a record with a repaired mutation of the
// same kind and target.
func (db *DB) Rebase(ctx context.Context, id string, m models.Mutation) error {
	payload, err := models.EncodeMutation(m)
	if err != nil {
		return err
	}
	query := `UPDATE sync_queue SET payload = ? WHERE id = ? AND kind = ? AND target = ?`
	res, err := db.ExecContext(ctx, query, string(payload), id, string(m.Kind()), m.Target())
	if err != nil {
		return &domain.StorageError{Op: "rebase", Err: err}
	}
	return db.expectOne(ctx, "rebase", res, id)
}

// RecoverInFlight returns records left IN_FLIGHT by a crash to PENDING.
func (db *DB) RecoverInFlight(ctx context.Context) (int, error) {
	res, err := db.ExecContext(ctx, `UPDATE sync_queue SET status = ? WHERE status = ?`,
		string(models.StatusPending), string(models.StatusInFlight))
	if err != nil {
		return 0, &domain.StorageError{Op: "recover in flight", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &domain.StorageError{Op: "recover in flight", Err: err}
	}
	if n > 0 {
		db.logger.Warn().Int64("count", n).Msg("Recovered in-flight operations after restart")
	}
	return int(n), nil
}

// expectOne distinguishes a missing record from a guarded update that did
// not apply.
func (db *DB) expectOne(ctx context.Context, op string, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return &domain.StorageError{Op: op, Err: err}
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return &domain.StorageError{Op: op, Err: err}
	}
	if exists == 0 {
		return fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, id, ErrInvalidTransition)
}

func (db *DB) query(ctx context.Context, op, query string, args ...interface{}) ([]models.QueuedOperation, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.StorageError{Op: op, Err: err}
	}
	defer rows.Close()

	ops := []models.QueuedOperation{}
	for rows.Next() {
		o, err := scanOperation(rows)
		if err != nil {
			return nil, &domain.StorageError{Op: op, Err: fmt.Errorf("failed to scan operation: %w", err)}
		}
		ops = append(ops, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: op, Err: err}
	}
	return ops, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(s scanner) (*models.QueuedOperation, error) {
	var (
		o         models.QueuedOperation
		kind      string
		status    string
		payload   string
		createdAt int64
		lastError sql.NullString
		nextAt    sql.NullInt64
	)
	err := s.Scan(&o.Seq, &o.ID, &kind, &o.Target, &payload, &createdAt, &o.AttemptCount, &status, &lastError, &nextAt)
	if err != nil {
		return nil, err
	}

	o.Kind = models.Kind(kind)
	o.Status = models.OperationStatus(status)
	o.Payload = []byte(payload)
	o.CreatedAt = time.Unix(0, createdAt).UTC()
	if lastError.Valid {
		msg := lastError.String
		o.LastError = &msg
	}
	if nextAt.Valid {
		t := time.Unix(0, nextAt.Int64).UTC()
		o.NextAttemptAt = &t
	}
	return &o, nil
}

func nanos(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
