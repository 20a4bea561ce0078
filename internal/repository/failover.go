package repository

import (
	"context"
	"sync/atomic"
	"time"

	"schoolsync/internal/domain"
	"schoolsync/internal/models"

	"github.com/rs/zerolog"
)

// FailoverStatusRepository uses primary until it fails, then serves from
// fallback and probes primary again once per recovery window.
type FailoverStatusRepository struct {
	primary      domain.StatusRepository
	fallback     domain.StatusRepository
	logger       *zerolog.Logger
	isDown       atomic.Bool
	lastCheck    atomic.Int64
	recoverAfter time.Duration
}

func NewFailoverStatusRepository(primary, fallback domain.StatusRepository, logger *zerolog.Logger) *FailoverStatusRepository {
	return &FailoverStatusRepository{
		primary:      primary,
		fallback:     fallback,
		logger:       logger,
		recoverAfter: time.Minute,
	}
}

// usePrimary reports whether the next call should go to primary. While down,
// one call per window is let through as a recovery attempt.
func (r *FailoverStatusRepository) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	last := r.lastCheck.Load()
	if time.Since(time.Unix(0, last)) <= r.recoverAfter {
		return false
	}
	return r.lastCheck.CompareAndSwap(last, time.Now().UnixNano())
}

func (r *FailoverStatusRepository) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary status repository failed, falling back to memory")
	}
	r.lastCheck.Store(time.Now().UnixNano())
}

func (r *FailoverStatusRepository) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary status repository recovered")
	}
}

func (r *FailoverStatusRepository) SaveStatus(ctx context.Context, session string, status models.SyncStatus) error {
	if r.usePrimary() {
		err := r.primary.SaveStatus(ctx, session, status)
		if err == nil {
			r.markUp()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.SaveStatus(ctx, session, status)
}

func (r *FailoverStatusRepository) LoadStatus(ctx context.Context, session string) (*models.SyncStatus, error) {
	if r.usePrimary() {
		status, err := r.primary.LoadStatus(ctx, session)
		if err == nil {
			r.markUp()
			return status, nil
		}
		r.markDown(err)
	}
	return r.fallback.LoadStatus(ctx, session)
}

func (r *FailoverStatusRepository) PushDeadLetter(ctx context.Context, session string, op models.QueuedOperation) error {
	if r.usePrimary() {
		err := r.primary.PushDeadLetter(ctx, session, op)
		if err == nil {
			r.markUp()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.PushDeadLetter(ctx, session, op)
}

func (r *FailoverStatusRepository) DeadLetters(ctx context.Context, session string, limit int) ([]models.QueuedOperation, error) {
	if r.usePrimary() {
		ops, err := r.primary.DeadLetters(ctx, session, limit)
		if err == nil {
			r.markUp()
			return ops, nil
		}
		r.markDown(err)
	}
	return r.fallback.DeadLetters(ctx, session, limit)
}
