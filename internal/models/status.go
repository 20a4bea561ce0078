package models

import "time"

// SyncState is the state of the sync manager.
type SyncState string

const (
	StateIdle    SyncState = "IDLE"
	StateSyncing SyncState = "SYNCING"
	StateError   SyncState = "ERROR"
)

// SyncStatus is the snapshot delivered to status subscribers after every
// transition.
type SyncStatus struct {
	State        SyncState `json:"state"`
	PendingCount int       `json:"pending_count"`
	LastError    string    `json:"last_error,omitempty"`
	BlockingID   string    `json:"blocking_id,omitempty"`
	Processed    int       `json:"processed"`
	Online       bool      `json:"online"`
	At           time.Time `json:"at"`
}

// Transition is a debounced connectivity change.
type Transition struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Action is the resolver's verdict on a failed replay.
type Action string

const (
	ActionRetry   Action = "RETRY"
	ActionDiscard Action = "DISCARD"
	ActionAbort   Action = "ABORT"
)

// Decision is returned by the conflict resolver. Repaired is set when the
// operation was rebased and must be persisted before the retry.
type Decision struct {
	Action   Action   `json:"action"`
	Reason   string   `json:"reason"`
	Repaired Mutation `json:"-"`
}

// RemoteRecord is the current server state of a target.
type RemoteRecord struct {
	Resource string         `json:"resource"`
	ID       string         `json:"id"`
	Version  int64          `json:"version"`
	Fields   map[string]any `json:"fields"`
	Deleted  bool           `json:"deleted"`
}

// OperationEvent is the payload of per-operation events.
type OperationEvent struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	Target   string `json:"target"`
	Attempts int    `json:"attempts"`
	Action   Action `json:"action,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// NewOperationEvent builds the event payload for op.
func NewOperationEvent(op *QueuedOperation) OperationEvent {
	return OperationEvent{
		ID:       op.ID,
		Kind:     op.Kind,
		Target:   op.Target,
		Attempts: op.AttemptCount,
	}
}
