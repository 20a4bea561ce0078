package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"schoolsync/internal/domain"
	"schoolsync/internal/events"
	"schoolsync/internal/metrics"
	"schoolsync/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// errHalted rejects automatic triggers while the manager is in ERROR.
var errHalted = errors.New("sync halted until the blocking operation is resolved")

// DeadLetterSink receives operations that reached FAILED_TERMINAL.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, op models.QueuedOperation)
}

// Options configures a Manager. Status, Events and DeadLetters are optional.
type Options struct {
	Retry            RetryPolicy
	PeriodicInterval time.Duration
	Clock            clockwork.Clock
	Status           domain.StatusPublisher
	Events           domain.EventPublisher
	DeadLetters      DeadLetterSink
}

// Manager drains the local queue against the server, one operation at a
// time. It is IDLE, SYNCING or ERROR; only a manual trigger or dismissing the
// blocking operation leaves ERROR.
type Manager struct {
	store    domain.QueueStore
	endpoint domain.Endpoint
	resolver domain.ConflictResolver
	conn     domain.Connectivity
	status   domain.StatusPublisher
	events   domain.EventPublisher
	dead     DeadLetterSink
	retry    RetryPolicy
	periodic time.Duration
	clock    clockwork.Clock
	logger   *zerolog.Logger

	mu          sync.Mutex
	ctx         context.Context
	state       models.SyncState
	lastError   string
	blockingID  string
	processed   int
	passes      int
	lastCount   int
	dirty       bool
	done        chan struct{}
	timer       clockwork.Timer
	timerGen    uint64
	stopped     bool
	unsubscribe func()

	wg sync.WaitGroup
}

func NewManager(
	store domain.QueueStore,
	endpoint domain.Endpoint,
	resolver domain.ConflictResolver,
	conn domain.Connectivity,
	opts Options,
	logger *zerolog.Logger,
) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Retry.InitialDelay == 0 {
		opts.Retry.InitialDelay = models.DefaultBackoffBase
	}
	if opts.Retry.MaxDelay == 0 {
		opts.Retry.MaxDelay = models.DefaultBackoffMax
	}
	if opts.Retry.BackoffFactor == 0 {
		opts.Retry.BackoffFactor = 2
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &Manager{
		store:    store,
		endpoint: endpoint,
		resolver: resolver,
		conn:     conn,
		status:   opts.Status,
		events:   opts.Events,
		dead:     opts.DeadLetters,
		retry:    opts.Retry,
		periodic: opts.PeriodicInterval,
		clock:    opts.Clock,
		logger:   logger,
		ctx:      context.Background(),
		state:    models.StateIdle,
	}
}

// Start recovers operations left IN_FLIGHT by a previous process, subscribes
// to connectivity changes and runs a first pass when online.
func (m *Manager) Start(ctx context.Context) error {
	if _, err := m.store.RecoverInFlight(ctx); err != nil {
		return fmt.Errorf("recover in-flight operations: %w", err)
	}

	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	unsubscribe := m.conn.Subscribe(m.onTransition)

	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	m.publish(ctx)
	m.kick("startup")
	return nil
}

// Stop unsubscribes, cancels the timer and waits for a running background
// pass to finish its current operation.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.wg.Wait()
}

// Enqueue records a mutation locally and, when possible, starts a pass.
// The mutation is durable once Enqueue returns without error.
func (m *Manager) Enqueue(ctx context.Context, mut models.Mutation) (*models.QueuedOperation, error) {
	op, err := m.store.Enqueue(ctx, mut)
	if err != nil {
		return nil, err
	}

	metrics.IncEnqueued(string(op.Kind))
	m.logger.Debug().Str("id", op.ID).Str("kind", string(op.Kind)).Str("target", op.Target).Msg("Operation enqueued")
	m.publishEvent(events.EventOperationEnqueued, models.NewOperationEvent(op))
	m.publish(ctx)
	m.request("enqueue")
	return op, nil
}

// TriggerSync runs a pass on the caller's goroutine. It also resumes from
// ERROR. An aborted pass returns *domain.AbortError.
func (m *Manager) TriggerSync(ctx context.Context) error {
	if !m.conn.Online() {
		return domain.ErrOffline
	}
	if err := m.claim(true); err != nil {
		return err
	}
	return m.drain(ctx, "manual")
}

// Dismiss removes a FAILED_TERMINAL operation. Dismissing the operation that
// halted the manager also returns it to IDLE.
func (m *Manager) Dismiss(ctx context.Context, id string) error {
	m.mu.Lock()
	blocking := m.state == models.StateError && m.blockingID == id
	m.mu.Unlock()

	if blocking {
		op, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if !op.Terminal() {
			if err := m.store.MarkFailed(ctx, id, errors.New("dismissed by user"), false, nil); err != nil {
				return err
			}
		}
	}

	if err := m.store.Dismiss(ctx, id); err != nil {
		return err
	}
	m.logger.Info().Str("id", id).Msg("Operation dismissed")

	if blocking {
		m.mu.Lock()
		if m.state == models.StateError && m.blockingID == id {
			m.state = models.StateIdle
			m.blockingID = ""
			m.lastError = ""
		}
		m.mu.Unlock()
		m.arm(ctx)
	}

	m.publish(ctx)
	return nil
}

// Retry returns a FAILED_TERMINAL operation to the queue with a fresh
// attempt budget.
func (m *Manager) Retry(ctx context.Context, id string) error {
	if err := m.store.ResetForRetry(ctx, id); err != nil {
		return err
	}
	m.logger.Info().Str("id", id).Msg("Operation re-queued by user")
	m.publish(ctx)
	m.request("retry")
	return nil
}

// Status returns the current snapshot.
func (m *Manager) Status(ctx context.Context) models.SyncStatus {
	return m.snapshot(ctx)
}

// Wait blocks until the running pass, if any, has finished.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) onTransition(tr models.Transition) {
	m.publishEvent(events.EventConnectivityChanged, tr)

	if !tr.Online {
		// A running pass notices on its own and stops after the current call.
		m.disarm()
		m.goAsync(func() { m.publish(m.baseCtx()) })
		return
	}

	m.goAsync(func() {
		m.publish(m.baseCtx())
		m.kick("online")
	})
}

// request is kick for triggers that change the queue. A pass already running
// is asked to look again before it goes idle.
func (m *Manager) request(reason string) {
	m.mu.Lock()
	if m.state == models.StateSyncing {
		m.dirty = true
	}
	m.mu.Unlock()
	m.kick(reason)
}

// kick starts a background pass on an automatic trigger. It does nothing
// while offline, syncing or halted, or when nothing is queued.
func (m *Manager) kick(reason string) {
	if !m.conn.Online() {
		return
	}
	ctx := m.baseCtx()

	n, err := m.store.Count(ctx)
	if err != nil {
		m.logger.Error().Err(err).Str("trigger", reason).Msg("Failed to count queued operations")
		return
	}
	if n == 0 {
		m.arm(ctx)
		return
	}

	if err := m.claim(false); err != nil {
		m.logger.Debug().Err(err).Str("trigger", reason).Msg("Sync trigger ignored")
		return
	}
	if !m.goAsync(func() { _ = m.drain(ctx, reason) }) {
		_ = m.finish(ctx, nil, nil)
	}
}

func (m *Manager) claim(manual bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.stopped:
		return domain.ErrStopped
	case m.state == models.StateSyncing:
		return domain.ErrAlreadySyncing
	case m.state == models.StateError && !manual:
		return errHalted
	}

	m.state = models.StateSyncing
	m.processed = 0
	m.blockingID = ""
	m.lastError = ""
	m.dirty = false
	m.passes++
	m.done = make(chan struct{})
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	return nil
}

// drain is one pass. The caller must have claimed SYNCING.
func (m *Manager) drain(ctx context.Context, reason string) error {
	metrics.IncDrainPass()
	m.logger.Info().Str("trigger", reason).Msg("Sync pass started")
	m.publish(ctx)

	// Nothing can be in flight while we hold the pass; a leftover row means a
	// previous pass failed to record an outcome.
	if _, err := m.store.RecoverInFlight(ctx); err != nil {
		return m.finish(ctx, err, nil)
	}

	attempted := make(map[string]struct{})
	for {
		if ctx.Err() != nil || m.isStopped() {
			return m.finish(ctx, nil, nil)
		}
		if !m.conn.Online() {
			m.logger.Info().Msg("Connection lost, pausing sync")
			return m.finish(ctx, nil, nil)
		}

		ops, err := m.store.List(ctx)
		if err != nil {
			return m.finish(ctx, err, nil)
		}

		op := next(ops, attempted, m.clock.Now())
		if op == nil {
			return m.finish(ctx, nil, nil)
		}
		attempted[op.ID] = struct{}{}

		abort, err := m.replay(ctx, op)
		if err != nil || abort != nil {
			return m.finish(ctx, err, abort)
		}
	}
}

// next picks the earliest replayable operation. Every earlier operation that
// is still waiting blocks its causal keys for the rest of the queue.
func next(ops []models.QueuedOperation, attempted map[string]struct{}, now time.Time) *models.QueuedOperation {
	blocked := make(map[string]struct{})
	for i := range ops {
		op := &ops[i]
		if op.Terminal() {
			continue
		}

		keys := op.CausalKeys()
		_, seen := attempted[op.ID]
		if !seen && op.Ready(now) && !anyBlocked(blocked, keys) {
			return op
		}
		for _, k := range keys {
			blocked[k] = struct{}{}
		}
	}
	return nil
}

func anyBlocked(blocked map[string]struct{}, keys []string) bool {
	for _, k := range keys {
		if _, ok := blocked[k]; ok {
			return true
		}
	}
	return false
}

// replay performs one remote call and records its outcome.
func (m *Manager) replay(ctx context.Context, op *models.QueuedOperation) (*domain.AbortError, error) {
	if err := m.store.MarkInFlight(ctx, op.ID); err != nil {
		return nil, err
	}
	op.Status = models.StatusInFlight

	// Neither shutdown nor going offline cancels the call in progress; its
	// outcome is always written back.
	ctx = context.WithoutCancel(ctx)

	callErr := m.endpoint.Apply(ctx, op)
	if callErr == nil {
		return nil, m.succeed(ctx, op)
	}

	d := m.resolver.Resolve(ctx, op, callErr)
	m.logger.Warn().
		Err(callErr).
		Str("id", op.ID).
		Str("kind", string(op.Kind)).
		Int("attempt", op.AttemptCount+1).
		Str("action", string(d.Action)).
		Msg("Replay failed")

	switch d.Action {
	case models.ActionDiscard:
		return nil, m.discard(ctx, op, d)
	case models.ActionAbort:
		return m.abort(ctx, op, d)
	default:
		return nil, m.retryLater(ctx, op, d)
	}
}

func (m *Manager) succeed(ctx context.Context, op *models.QueuedOperation) error {
	if err := m.store.MarkSucceeded(ctx, op.ID); err != nil {
		return err
	}

	m.mu.Lock()
	m.processed++
	m.mu.Unlock()

	metrics.IncReplay(string(op.Kind), "synced")
	m.publishEvent(events.EventOperationSynced, models.NewOperationEvent(op))
	m.publish(ctx)
	return nil
}

func (m *Manager) retryLater(ctx context.Context, op *models.QueuedOperation, d models.Decision) error {
	now := m.clock.Now()
	nextAt := now.Add(m.retry.NextDelay(op.AttemptCount + 1))

	if d.Repaired != nil {
		if err := m.store.Rebase(ctx, op.ID, d.Repaired); err != nil {
			return err
		}
		// rebased payload goes out on the next pass without backoff
		nextAt = now
	}

	if err := m.store.MarkFailed(ctx, op.ID, errors.New(d.Reason), true, &nextAt); err != nil {
		return err
	}

	metrics.IncReplay(string(op.Kind), "retry")
	ev := models.NewOperationEvent(op)
	ev.Attempts++
	ev.Action = d.Action
	ev.Reason = d.Reason
	m.publishEvent(events.EventOperationRetry, ev)
	m.publish(ctx)
	return nil
}

func (m *Manager) discard(ctx context.Context, op *models.QueuedOperation, d models.Decision) error {
	if err := m.store.MarkFailed(ctx, op.ID, errors.New(d.Reason), false, nil); err != nil {
		return err
	}

	reason := d.Reason
	op.AttemptCount++
	op.Status = models.StatusFailedTerminal
	op.LastError = &reason
	op.NextAttemptAt = nil

	metrics.IncReplay(string(op.Kind), "discard")
	if m.dead != nil {
		m.dead.DeadLetter(ctx, *op)
	}

	ev := models.NewOperationEvent(op)
	ev.Action = d.Action
	ev.Reason = d.Reason
	m.publishEvent(events.EventOperationDiscarded, ev)
	m.publish(ctx)
	return nil
}

func (m *Manager) abort(ctx context.Context, op *models.QueuedOperation, d models.Decision) (*domain.AbortError, error) {
	// Back to retryable with no delay: the operation itself is fine.
	if err := m.store.MarkFailed(ctx, op.ID, errors.New(d.Reason), true, nil); err != nil {
		return nil, err
	}
	metrics.IncReplay(string(op.Kind), "abort")
	return &domain.AbortError{OperationID: op.ID, Kind: op.Kind, Target: op.Target, Reason: d.Reason}, nil
}

// finish ends the pass: ERROR on abort, IDLE otherwise.
func (m *Manager) finish(ctx context.Context, err error, abort *domain.AbortError) error {
	ctx = context.WithoutCancel(ctx)

	m.mu.Lock()
	switch {
	case abort != nil:
		m.state = models.StateError
		m.blockingID = abort.OperationID
		m.lastError = abort.Reason
	case err != nil:
		m.state = models.StateIdle
		m.lastError = err.Error()
	default:
		m.state = models.StateIdle
	}
	processed := m.processed
	dirty := m.dirty
	m.dirty = false
	done := m.done
	m.done = nil
	m.mu.Unlock()

	switch {
	case abort != nil:
		m.logger.Error().Str("id", abort.OperationID).Str("reason", abort.Reason).Msg("Sync aborted")
		m.publishEvent(events.EventSyncAborted, models.OperationEvent{
			ID:     abort.OperationID,
			Kind:   abort.Kind,
			Target: abort.Target,
			Action: models.ActionAbort,
			Reason: abort.Reason,
		})
	case err != nil:
		m.logger.Error().Err(err).Int("processed", processed).Msg("Sync pass failed")
	default:
		m.logger.Info().Int("processed", processed).Msg("Sync pass finished")
	}

	if abort == nil {
		if dirty {
			m.armAfter(0)
		} else {
			m.arm(ctx)
		}
	}
	m.publish(ctx)
	if done != nil {
		close(done)
	}

	if abort != nil {
		return abort
	}
	if err != nil {
		return fmt.Errorf("sync pass: %w", err)
	}
	return nil
}

// arm schedules the next automatic pass at the earliest backoff expiry or
// after the periodic interval, whichever comes first.
func (m *Manager) arm(ctx context.Context) {
	if !m.conn.Online() {
		m.disarm()
		return
	}

	delay := m.periodic
	scheduled := delay > 0

	ops, err := m.store.List(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to read queue for retry schedule")
	}
	now := m.clock.Now()
	for i := range ops {
		op := &ops[i]
		if op.Status != models.StatusFailedRetryable {
			continue
		}
		var wait time.Duration
		if op.NextAttemptAt != nil {
			wait = op.NextAttemptAt.Sub(now)
		}
		if wait < 0 {
			wait = 0
		}
		if !scheduled || wait < delay {
			delay = wait
			scheduled = true
		}
	}

	if !scheduled {
		m.disarm()
		return
	}
	m.armAfter(delay)
}

func (m *Manager) armAfter(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || m.state != models.StateIdle {
		return
	}
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
	}
	gen := m.timerGen
	m.timer = m.clock.AfterFunc(delay, func() { m.fire(gen) })
}

func (m *Manager) disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) fire(gen uint64) {
	m.mu.Lock()
	if gen != m.timerGen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	m.kick("timer")
}

func (m *Manager) snapshot(ctx context.Context) models.SyncStatus {
	n, err := m.store.Count(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.logger.Debug().Err(err).Msg("Failed to count queued operations")
		n = m.lastCount
	}
	m.lastCount = n

	return models.SyncStatus{
		State:        m.state,
		PendingCount: n,
		LastError:    m.lastError,
		BlockingID:   m.blockingID,
		Processed:    m.processed,
		Online:       m.conn.Online(),
		At:           m.clock.Now(),
	}
}

func (m *Manager) publish(ctx context.Context) {
	if m.status == nil {
		return
	}
	m.status.PublishStatus(ctx, m.snapshot(ctx))
}

func (m *Manager) publishEvent(eventType string, payload interface{}) {
	if m.events == nil {
		return
	}
	if err := m.events.PublishJSON(eventType, payload); err != nil {
		m.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish event")
	}
}

// goAsync runs fn on a tracked goroutine unless the manager is stopped.
func (m *Manager) goAsync(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

func (m *Manager) baseCtx() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
