package repository

import (
	"context"
	"sync"

	"schoolsync/internal/models"
)

// MemoryStatusRepository is the in-process fallback for Redis.
type MemoryStatusRepository struct {
	mu          sync.RWMutex
	statuses    map[string]models.SyncStatus
	deadLetters map[string][]models.QueuedOperation
	limit       int
}

func NewMemoryStatusRepository() *MemoryStatusRepository {
	return &MemoryStatusRepository{
		statuses:    make(map[string]models.SyncStatus),
		deadLetters: make(map[string][]models.QueuedOperation),
		limit:       models.DeadLetterLimit,
	}
}

func (r *MemoryStatusRepository) SaveStatus(_ context.Context, session string, status models.SyncStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[session] = status
	return nil
}

func (r *MemoryStatusRepository) LoadStatus(_ context.Context, session string) (*models.SyncStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status, ok := r.statuses[session]
	if !ok {
		return nil, nil
	}
	return &status, nil
}

func (r *MemoryStatusRepository) PushDeadLetter(_ context.Context, session string, op models.QueuedOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := append([]models.QueuedOperation{op}, r.deadLetters[session]...)
	if len(list) > r.limit {
		list = list[:r.limit]
	}
	r.deadLetters[session] = list
	return nil
}

func (r *MemoryStatusRepository) DeadLetters(_ context.Context, session string, limit int) ([]models.QueuedOperation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.deadLetters[session]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return append([]models.QueuedOperation(nil), list...), nil
}
