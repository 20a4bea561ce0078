package models

import (
	"encoding/json"
	"time"
)

// OperationStatus is the lifecycle state of a queued operation.
type OperationStatus string

const (
	StatusPending         OperationStatus = "PENDING"
	StatusInFlight        OperationStatus = "IN_FLIGHT"
	StatusFailedRetryable OperationStatus = "FAILED_RETRYABLE"
	StatusFailedTerminal  OperationStatus = "FAILED_TERMINAL"
)

// QueuedOperation is one durable record per user-initiated mutation awaiting
// server acknowledgment.
type QueuedOperation struct {
	Seq           int64           `json:"seq"`
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	Target        string          `json:"target"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	AttemptCount  int             `json:"attempt_count"`
	Status        OperationStatus `json:"status"`
	LastError     *string         `json:"last_error,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
}

// Mutation decodes the payload into its kind-specific type.
func (o *QueuedOperation) Mutation() (Mutation, error) {
	return DecodeMutation(o.Kind, o.Payload)
}

// Terminal reports whether the record awaits user dismissal or retry.
func (o *QueuedOperation) Terminal() bool {
	return o.Status == StatusFailedTerminal
}

// Ready reports whether the record may be replayed at now.
func (o *QueuedOperation) Ready(now time.Time) bool {
	switch o.Status {
	case StatusPending:
		return true
	case StatusFailedRetryable:
		return o.NextAttemptAt == nil || !o.NextAttemptAt.After(now)
	default:
		return false
	}
}

// CausalKeys returns the ordering keys of the operation. Undecodable payloads
// fall back to the stored target.
func (o *QueuedOperation) CausalKeys() []string {
	m, err := o.Mutation()
	if err != nil {
		return []string{o.Target}
	}
	return CausalKeys(m)
}

// ErrorText returns LastError or an empty string.
func (o *QueuedOperation) ErrorText() string {
	if o.LastError == nil {
		return ""
	}
	return *o.LastError
}
