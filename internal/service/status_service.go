package service

import (
	"context"
	"sync"

	"schoolsync/internal/domain"
	"schoolsync/internal/events"
	"schoolsync/internal/metrics"
	"schoolsync/internal/models"

	"github.com/rs/zerolog"
)

var allStates = []string{
	string(models.StateIdle),
	string(models.StateSyncing),
	string(models.StateError),
}

// StatusService fans sync status snapshots out to metrics, the status
// repository and the event bus, and keeps the latest one in memory.
type StatusService struct {
	repo    domain.StatusRepository
	events  domain.EventPublisher
	session string
	logger  *zerolog.Logger

	mu     sync.RWMutex
	latest *models.SyncStatus
}

func NewStatusService(repo domain.StatusRepository, events domain.EventPublisher, session string, logger *zerolog.Logger) *StatusService {
	return &StatusService{
		repo:    repo,
		events:  events,
		session: session,
		logger:  logger,
	}
}

// PublishStatus records status. Repository and event failures are logged;
// they never reach the sync manager.
func (s *StatusService) PublishStatus(ctx context.Context, status models.SyncStatus) {
	s.mu.Lock()
	s.latest = &status
	s.mu.Unlock()

	metrics.SetQueueDepth(status.PendingCount)
	metrics.SetState(string(status.State), allStates...)

	if s.repo != nil {
		if err := s.repo.SaveStatus(ctx, s.session, status); err != nil {
			s.logger.Error().Err(err).Str("session", s.session).Msg("failed to save sync status")
		}
	}
	if s.events != nil {
		if err := s.events.PublishJSON(events.EventSyncStatus, status); err != nil {
			s.logger.Error().Err(err).Msg("failed to publish sync status")
		}
	}
}

// Latest returns the last published status, falling back to the repository
// when nothing was published by this process yet.
func (s *StatusService) Latest(ctx context.Context) (*models.SyncStatus, error) {
	s.mu.RLock()
	latest := s.latest
	s.mu.RUnlock()

	if latest != nil {
		cp := *latest
		return &cp, nil
	}
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.LoadStatus(ctx, s.session)
}

// DeadLetter mirrors an operation that reached FAILED_TERMINAL.
func (s *StatusService) DeadLetter(ctx context.Context, op models.QueuedOperation) {
	if s.repo == nil {
		return
	}
	if err := s.repo.PushDeadLetter(ctx, s.session, op); err != nil {
		s.logger.Error().Err(err).Str("id", op.ID).Msg("failed to push dead letter")
	}
}

func (s *StatusService) DeadLetters(ctx context.Context, limit int) ([]models.QueuedOperation, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.DeadLetters(ctx, s.session, limit)
}
