package domain

import (
	"context"
	"time"

	"schoolsync/internal/models"
)

// QueueStore is the durable ordered log of pending mutations.
type QueueStore interface {
	Enqueue(ctx context.Context, m models.Mutation) (*models.QueuedOperation, error)
	List(ctx context.Context) ([]models.QueuedOperation, error)
	Get(ctx context.Context, id string) (*models.QueuedOperation, error)
	MarkInFlight(ctx context.Context, id string) error
	MarkSucceeded(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error, retryable bool, nextAttemptAt *time.Time) error
	Count(ctx context.Context) (int, error)
	Dismiss(ctx context.Context, id string) error
	ResetForRetry(ctx context.Context, id string) error
	Rebase(ctx context.Context, id string, m models.Mutation) error
	RecoverInFlight(ctx context.Context) (int, error)
	Failed(ctx context.Context) ([]models.QueuedOperation, error)
}

// Endpoint replays operations against the authoritative server.
type Endpoint interface {
	Apply(ctx context.Context, op *models.QueuedOperation) error
	Fetch(ctx context.Context, target string) (*models.RemoteRecord, error)
}

type ConflictResolver interface {
	Resolve(ctx context.Context, op *models.QueuedOperation, err error) models.Decision
}

type Connectivity interface {
	Online() bool
	Subscribe(fn func(models.Transition)) (unsubscribe func())
}

type StatusPublisher interface {
	PublishStatus(ctx context.Context, status models.SyncStatus)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type StatusRepository interface {
	SaveStatus(ctx context.Context, session string, status models.SyncStatus) error
	LoadStatus(ctx context.Context, session string) (*models.SyncStatus, error)
	PushDeadLetter(ctx context.Context, session string, op models.QueuedOperation) error
	DeadLetters(ctx context.Context, session string, limit int) ([]models.QueuedOperation, error)
}
