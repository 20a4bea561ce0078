package domain

import (
	"errors"
	"fmt"
	"strings"

	"schoolsync/internal/models"
)

// TransportError covers timeouts, refused connections, 5xx and 429 responses.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport error during %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError is a 401/403 from the server. Retrying cannot help until the
// user re-authenticates.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%d): %s", e.StatusCode, e.Message)
}

type ConflictReason string

const (
	ConflictStale      ConflictReason = "stale"
	ConflictConcurrent ConflictReason = "concurrent_modification"
)

// ConflictError is returned when the target is gone (Stale) or changed on
// the server since the operation was queued (Concurrent).
type ConflictError struct {
	Reason  ConflictReason
	Target  string
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("conflict on %s: %s", e.Target, e.Reason)
	}
	return fmt.Sprintf("conflict on %s: %s: %s", e.Target, e.Reason, e.Message)
}

// ValidationError is a 400/422 rejection of the payload.
type ValidationError struct {
	Message string
	Fields  []models.FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Message
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Error)
	}
	msg := e.Message
	if msg == "" {
		msg = "validation failed"
	}
	return msg + ": " + strings.Join(parts, "; ")
}

// StorageError wraps local persistence failures.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorage reports whether err is (or wraps) a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Sync manager control errors.
var (
	ErrAlreadySyncing = errors.New("sync already in progress")
	ErrOffline        = errors.New("server is unreachable")
	ErrStopped        = errors.New("sync manager stopped")
)

// AbortError is returned by a manual sync when the pass stopped on an
// operation that needs user action.
type AbortError struct {
	OperationID string
	Kind        models.Kind
	Target      string
	Reason      string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("sync aborted at operation %s (%s): %s", e.OperationID, e.Target, e.Reason)
}
