package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"schoolsync/internal/connectivity"
	"schoolsync/internal/database"
	"schoolsync/internal/domain"
	"schoolsync/internal/events"
	"schoolsync/internal/models"
	"schoolsync/internal/resolver"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedEndpoint records replays and fails them according to a per-target
// script.
type scriptedEndpoint struct {
	mu       sync.Mutex
	calls    []string
	payloads []json.RawMessage
	script   map[string][]error
	records  map[string]*models.RemoteRecord
	gate     chan struct{}
	started  chan string
}

func newScriptedEndpoint() *scriptedEndpoint {
	return &scriptedEndpoint{
		script:  make(map[string][]error),
		records: make(map[string]*models.RemoteRecord),
		started: make(chan string, 64),
	}
}

func (e *scriptedEndpoint) failNext(target string, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.script[target] = append(e.script[target], errs...)
}

func (e *scriptedEndpoint) Apply(_ context.Context, op *models.QueuedOperation) error {
	e.mu.Lock()
	e.calls = append(e.calls, op.Target)
	e.payloads = append(e.payloads, op.Payload)
	var err error
	if q := e.script[op.Target]; len(q) > 0 {
		err = q[0]
		e.script[op.Target] = q[1:]
	}
	gate := e.gate
	e.mu.Unlock()

	e.started <- op.Target
	if gate != nil {
		<-gate
	}
	return err
}

func (e *scriptedEndpoint) Fetch(_ context.Context, target string) (*models.RemoteRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[target]
	if !ok {
		return nil, &domain.ConflictError{Reason: domain.ConflictStale, Target: target}
	}
	return rec, nil
}

func (e *scriptedEndpoint) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *scriptedEndpoint) Payload(i int) json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.payloads[i]
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []models.SyncStatus
}

func (r *statusRecorder) PublishStatus(_ context.Context, s models.SyncStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) All() []models.SyncStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SyncStatus(nil), r.statuses...)
}

type deadLetters struct {
	mu  sync.Mutex
	ops []models.QueuedOperation
}

func (d *deadLetters) DeadLetter(_ context.Context, op models.QueuedOperation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, op)
}

func (d *deadLetters) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ops)
}

type eventCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *eventCounter) Count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[eventType]
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	path     string
	db       *database.DB
	clock    *clockwork.FakeClock
	monitor  *connectivity.Monitor
	endpoint *scriptedEndpoint
	statuses *statusRecorder
	dead     *deadLetters
	events   *eventCounter
	manager  *Manager
}

type harnessOptions struct {
	online      bool
	debounce    time.Duration
	maxAttempts int
}

func newHarness(t *testing.T, o harnessOptions) *harness {
	t.Helper()
	logger := zerolog.Nop()

	path := filepath.Join(t.TempDir(), "queue.db")
	db, err := database.NewDB(path, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClock()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		path:     path,
		db:       db,
		clock:    clock,
		monitor:  connectivity.NewMonitor(o.online, o.debounce, clock, &logger),
		endpoint: newScriptedEndpoint(),
		statuses: &statusRecorder{},
		dead:     &deadLetters{},
		events:   &eventCounter{counts: make(map[string]int)},
	}
	t.Cleanup(h.monitor.Close)

	bus := events.NewEventBus()
	bus.SubscribeAll(func(e *events.Event) error {
		h.events.mu.Lock()
		h.events.counts[e.Type]++
		h.events.mu.Unlock()
		return nil
	})

	h.manager = h.newManager(db, bus, o.maxAttempts)
	t.Cleanup(h.manager.Stop)
	return h
}

func (h *harness) newManager(store domain.QueueStore, bus *events.EventBus, maxAttempts int) *Manager {
	logger := zerolog.Nop()
	res := resolver.New(h.endpoint, resolver.Policy{MaxAttempts: maxAttempts}, &logger)
	return NewManager(store, h.endpoint, res, h.monitor, Options{
		Retry:       RetryPolicy{InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2},
		Clock:       h.clock,
		Status:      h.statuses,
		Events:      bus,
		DeadLetters: h.dead,
	}, &logger)
}

// seed enqueues directly into the store so no trigger fires.
func (h *harness) seed(muts ...models.Mutation) []*models.QueuedOperation {
	h.t.Helper()
	out := make([]*models.QueuedOperation, 0, len(muts))
	for _, m := range muts {
		op, err := h.db.Enqueue(h.ctx, m)
		require.NoError(h.t, err)
		out = append(out, op)
	}
	return out
}

func (h *harness) waitCalls(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.endpoint.Calls()) >= n },
		2*time.Second, 5*time.Millisecond, "expected %d replays, got %v", n, h.endpoint.Calls())
	require.NoError(h.t, h.manager.Wait(h.ctx))
}

func (h *harness) get(id string) *models.QueuedOperation {
	h.t.Helper()
	op, err := h.db.Get(h.ctx, id)
	require.NoError(h.t, err)
	return op
}

func (h *harness) passes() int {
	h.manager.mu.Lock()
	defer h.manager.mu.Unlock()
	return h.manager.passes
}

func createStudent(id string) models.CreateStudent {
	return models.CreateStudent{StudentID: id, FirstName: "Amina", LastName: "Otieno"}
}

func attendance(sid string) models.CreateAttendance {
	return models.CreateAttendance{StudentID: sid, Date: "2024-09-10", Status: "PRESENT"}
}

func grade(id, sid string) models.RecordGrade {
	return models.RecordGrade{GradeID: id, StudentID: sid, Subject: "math", Term: "T1", Score: 71}
}

func payment(id, sid string) models.RecordPayment {
	return models.RecordPayment{PaymentID: id, StudentID: sid, Amount: 1500, Currency: "KES", Method: "mobile_money", PaidOn: "2024-09-01"}
}

func transportErr() error {
	return &domain.TransportError{Op: "replay", Err: errors.New("connection refused")}
}

func TestTriggerSync_DrainsInOrder(t *testing.T) {
	h := newHarness(t, harnessOptions{online: true})
	h.seed(createStudent("s1"), attendance("s1"), grade("g1", "s1"))

	require.NoError(t, h.manager.TriggerSync(h.ctx))

	assert.Equal(t, []string{"student:s1", "attendance:s1:2024-09-10", "grade:g1"}, h.endpoint.Calls())

	n, err := h.db.Count(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	st := h.manager.Status(h.ctx)
	assert.Equal(t, models.StateIdle, st.State)
	assert.Equal(t, 3, st.Processed)
	assert.Equal(t, 3, h.events.Count(events.EventOperationSynced))
}

func TestTriggerSync_Offline(t *testing.T) {
	h := newHarness(t, harnessOptions{online: false})
	h.seed(createStudent("s1"))

	assert.ErrorIs(t, h.manager.TriggerSync(h.ctx), domain.ErrOffline)
	assert.Empty(t, h.endpoint.Calls())
}

func TestTriggerSync_SingleFlight(t *testing.T) {
	h := newHarness(t, harnessOptions{online: true})
	h.endpoint.gate = make(chan struct{})
	h.seed(createStudent("s1"))

	errCh := make(chan error, 1)
	go func() { errCh <- h.manager.TriggerSync(h.ctx) }()
	<-h.endpoint.started

	assert.ErrorIs(t, h.manager.TriggerSync(h.ctx), domain.ErrAlreadySyncing)
	h.manager.kick("test")
	assert.Equal(t, models.StateSyncing, h.manager.Status(h.ctx).State)

	close(h.endpoint.gate)
	require.NoError(t, <-errCh)

	assert.Equal(t, 1, h.passes())
	assert.Len(t, h.endpoint.Calls(), 1)
}

func TestStatus_PublishedOnTransitions(t *testing.T) {
	h := newHarness(t, harnessOptions{online: true})
	h.seed(createStudent("s1"))

	require.NoError(t, h.manager.TriggerSync(h.ctx))

	all := h.statuses.All()
	require.NotEmpty(t, all)
	assert.Equal(t, models.StateSyncing, all[0].State)
	assert.Equal(t, 1, all[0].PendingCount)

	last := all[len(all)-1]
	assert.Equal(t, models.StateIdle, last.State)
	assert.Zero(t, last.PendingCount)
	assert.Equal(t, 1, last.Processed)
	assert.True(t, last.Online)
}

// Three operations on one student: the middle one fails with RETRY, so the
// last must wait while unrelated work proceeds.
func TestDrain_RetryBlocksSameStudent(t *testing.T) {
	h := newHarness(t, harnessOptions{online: true})
	ops := h.seed(createStudent("s1"), attendance("s1"), grade("g1", "s1"), payment("p2", "s2"))
	h.endpoint.failNext("attendance:s1:2024-09-10", transportErr())

	require.NoError(t, h.manager.TriggerSync(h.ctx))
	assert.Equal(t, []string{"student:s1", "attendance:s1:2024-09-10", "payment:p2"}, h.endpoint.Calls())

	blocked := h.get(ops[1].ID)
	assert.Equal(t, models.StatusFailedRetryable, blocked.Status)
	assert.Equal(t, 1, blocked.AttemptCount)
	require.NotNil(t, blocked.NextAttemptAt)
	// base * 2^attempts after the first failure
	assert.True(t, h.clock.Now().Add(2*time.Second).Equal(*blocked.NextAttemptAt))
	assert.Equal(t, models.StatusPending, h.get(ops[2].ID).Status)

	// Nothing is replayed before the backoff expires.
	h.clock.Advance(time.Second)
	require.Never(t, func() bool { return len(h.endpoint.Calls()) > 3 }, 50*time.Millisecond, 5*time.Millisecond)

	h.clock.Advance(time.Second)
	h.waitCalls(5)
	assert.Equal(t, []string{
		"student:s1", "attendance:s1:2024-09-10", "payment:p2",
		"attendance:s1:2024-09-10", "grade:g1",
	}, h.endpoint.Calls())

	n, err := h.db.Count(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrain_DiscardUnblocksSuccessors(t *testing.T) {
	h := newHarness(t, harnessOptions{online: true})
	ops := h.seed(createStudent("s1"), attendance("s1"), grade("g1", "s1"))
	h.endpoint.failNext("attendance:s1:2024-09-10", &domain.ValidationError{Message: "date is in the future"})

	require.NoError(t, h.manager.TriggerSync(h.ctx))
	assert.Equal(t, []string{"student:s1", "attendance:s1:2024-09-10", "grade:g1"}, h.endpoint.Calls())

	discarded := h.get(ops[1].ID)
	assert.Equal(t, models.StatusFailedTerminal, discarded.Status)
	assert.Contains(t, discarded.ErrorText(), "date is in the future")
	assert.Equal(t, 1, h.dead.Len())
	assert.Equal(t, 1, h.events.Count(events.EventOperationDiscarded))

	n, err := h.db.Count(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrain_EscalatesAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, harnessOptions{online: true, maxAttempts: 2})
	ops := h.seed(payment("p1", "s1"))
	h.endpoint.failNext("payment:p1", transportErr(), transportErr())

	require.NoError(t, h.manager.TriggerSync(h.ctx))
	assert.Equal(t, models.StatusFailedRetryable, h.get(ops[0].ID).Status)

	h.clock.Advance(2 * time.Second)
	h.waitCalls(2)

	op := h.get(ops[0].ID)
	assert.Equal(t, models.StatusFailedTerminal, op.Status)
	assert.Equal(t, 2, op.AttemptCount)
	assert.Contains(t, op.ErrorText(), "retry limit reached")
}

func TestDrain_AbortSurfacedOnce(t *testing.T) {
	h := newHarness(t, harnessOptions{online: true})
	ops := h.seed(createStudent("s1"), createStudent("s2"))
	h.endpoint.failNext("student:s1", &domain.AuthError{StatusCode: 401, Message: "token expired"})

	err := h.manager.TriggerSync(h.ctx)
	var abort *domain.AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, ops[0].ID, abort.OperationID)
	assert.Equal(t, []string{"student:s1"}, h.endpoint.Calls())

	st := h.manager.Status(h.ctx)
	assert.Equal(t, models.StateError, st.State)
	assert.Equal(t, ops[0].ID, st.BlockingID)
	assert.NotEmpty(t, st.LastError)

	blocking := h.get(ops[0].ID)
	assert.Equal(t, models.StatusFailedRetryable, blocking.Status)
	assert.Nil(t, blocking.NextAttemptAt)

	// Automatic triggers stay quiet while halted.
	h.manager.kick("timer")
	_, err = h.manager.Enqueue(h.ctx, createStudent("s3"))
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	require.Never(t, func() bool { return len(h.endpoint.Calls()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	assert.Len(t, h.endpoint.Calls(), 1)
	assert.Equal(t, 1, h.events.Count(events.EventSyncAborted))
	assert.Equal(t, models.StateError, h.manager.Status(h.ctx).State)

	// A manual trigger resumes.
	require.NoError(t, h.manager.TriggerSync(h.ctx))
	assert.Equal(t, []string{"student:s1", "student:s1", "student:s2", "student:s3"}, h.endpoint.Calls())
	assert.Equal(t, models.StateIdle, h.manager.Status(h.ctx).State)
	assert.Equal(t, 1, h.events.Count(events.EventSyncAborted))
}

func TestDismiss_BlockingOperationReturnsToIdle(t *testing.T) {
	h := newHarness(t, harnessOptions{online: true})
	ops := h.seed(createStudent("s1"), createStudent("s2"))
	h.endpoint.failNext("student:s1", &domain.AuthError{StatusCode: 403})

	require.Error(t, h.manager.TriggerSync(h.ctx))

	// Only the blocking or terminal operations can be dismissed.
	assert.ErrorIs(t, h.manager.Dismiss(h.ctx, ops[1].ID), database.ErrNotDismissable)

	require.NoError(t, h.manager.Dismiss(h.ctx, ops[0].ID))
	_, err := h.db.Get(h.ctx, ops[0].ID)
	assert.ErrorIs(t, err, database.ErrNotFound)

	st := h.manager.Status(h.ctx)
	assert.Equal(t, models.StateIdle, st.State)
	assert.Empty(t, st.BlockingID)
	assert.Equal(t, 1, st.PendingCount)
}

func TestTerminalRecord_SurvivesReloadUntilDismissed(t *testing.T) {
	h := newHarness(t, harnessOptions{online: true})
	ops := h.seed(grade("g1", "s1"))
	h.endpoint.failNext("grade:g1", &domain.ConflictError{Reason: domain.ConflictStale, Target: "grade:g1"})

	require.NoError(t, h.manager.TriggerSync(h.ctx))
	h.manager.Stop()
	require.NoError(t, h.db.Close())

	logger := zerolog.Nop()
	reopened, err := database.NewDB(h.path, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	failed, err := reopened.Failed(h.ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ops[0].ID, failed[0].ID)
	assert.Equal(t, models.StatusFailedTerminal, failed[0].Status)

	m := h.newManager(reopened, nil, 0)
	t.Cleanup(m.Stop)
	require.NoError(t, m.Start(h.ctx))
	require.NoError(t, m.Wait(h.ctx))

	// Terminal records are never replayed on their own.
	assert.Len(t, h.endpoint.Calls(), 1)

	require.NoError(t, m.Dismiss(h.ctx, ops[0].ID))
	all, err := reopened.List(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRetry_RequeuesTerminalRecord(t *testing.T) {
	h := newHarness(t, harnessOptions{online: true})
	ops := h.seed(payment("p1", "s1"))
	h.endpoint.failNext("payment:p1", &domain.ValidationError{Message: "unknown student"})

	require.NoError(t, h.manager.TriggerSync(h.ctx))
	require.Equal(t, models.StatusFailedTerminal, h.get(ops[0].ID).Status)

	require.NoError(t, h.manager.Retry(h.ctx, ops[0].ID))
	h.waitCalls(2)

	_, err := h.db.Get(h.ctx, ops[0].ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.ErrorIs(t, h.manager.Retry(h.ctx, ops[0].ID), database.ErrNotFound)
}

func TestDrain_RebasedOperationReplaysWithoutBackoff(t *testing.T) {
	h := newHarness(t, harnessOptions{online: true})
	update := models.UpdateStudent{
		StudentID:    "s1",
		ClassID:      "7B",
		Precondition: models.Precondition{BaseVersion: 2, Base: map[string]any{"classId": "7A"}},
	}
	ops := h.seed(update)
	h.endpoint.failNext("student:s1", &domain.ConflictError{Reason: domain.ConflictConcurrent, Target: "student:s1"})
	h.endpoint.records["student:s1"] = &models.RemoteRecord{
		Resource: "student", ID: "s1", Version: 9,
		Fields: map[string]any{"classId": "7A", "firstName": "Amina"},
	}

	require.NoError(t, h.manager.TriggerSync(h.ctx))
	h.waitCalls(2)

	var replayed models.UpdateStudent
	require.NoError(t, json.Unmarshal(h.endpoint.Payload(1), &replayed))
	assert.Equal(t, int64(9), replayed.BaseVersion)
	assert.Equal(t, "7B", replayed.ClassID)

	_, err := h.db.Get(h.ctx, ops[0].ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestConnectivity_FlapFiresOnePass(t *testing.T) {
	h := newHarness(t, harnessOptions{online: false, debounce: 2 * time.Second})
	require.NoError(t, h.manager.Start(h.ctx))

	_, err := h.manager.Enqueue(h.ctx, attendance("s1"))
	require.NoError(t, err)
	assert.Equal(t, 1, h.manager.Status(h.ctx).PendingCount)

	h.monitor.Report(true)
	h.clock.Advance(time.Second)
	h.monitor.Report(false)
	h.clock.Advance(500 * time.Millisecond)
	h.monitor.Report(true)
	h.clock.Advance(2 * time.Second)

	h.waitCalls(1)
	require.Never(t, func() bool { return h.passes() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Len(t, h.endpoint.Calls(), 1)
}

func TestConnectivity_TransitionsDuringPassDoNotStartAnother(t *testing.T) {
	h := newHarness(t, harnessOptions{online: false})
	h.endpoint.gate = make(chan struct{})
	h.seed(createStudent("s1"))
	require.NoError(t, h.manager.Start(h.ctx))

	h.monitor.Report(true)
	<-h.endpoint.started

	h.monitor.Report(false)
	h.monitor.Report(true)
	require.Never(t, func() bool { return h.passes() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	close(h.endpoint.gate)
	h.waitCalls(1)
	assert.Equal(t, 1, h.passes())
}

func TestConnectivity_OfflineMidDrainFinishesInFlightCall(t *testing.T) {
	h := newHarness(t, harnessOptions{online: false})
	h.endpoint.gate = make(chan struct{})
	ops := h.seed(createStudent("s1"), createStudent("s2"))
	require.NoError(t, h.manager.Start(h.ctx))

	h.monitor.Report(true)
	assert.Equal(t, "student:s1", <-h.endpoint.started)

	h.monitor.Report(false)
	h.endpoint.gate <- struct{}{}
	require.Eventually(t, func() bool {
		return h.manager.Status(h.ctx).State == models.StateIdle
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"student:s1"}, h.endpoint.Calls())
	_, err := h.db.Get(h.ctx, ops[0].ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.Equal(t, models.StatusPending, h.get(ops[1].ID).Status)

	// Back online: the rest drains.
	close(h.endpoint.gate)
	h.monitor.Report(true)
	h.waitCalls(2)
	assert.Equal(t, []string{"student:s1", "student:s2"}, h.endpoint.Calls())
}

func TestStart_RecoversInFlightAfterCrash(t *testing.T) {
	h := newHarness(t, harnessOptions{online: true})
	ops := h.seed(payment("p1", "s1"), payment("p2", "s1"))

	// The previous process died mid-call.
	require.NoError(t, h.db.MarkInFlight(h.ctx, ops[0].ID))

	require.NoError(t, h.manager.Start(h.ctx))
	h.waitCalls(2)

	assert.Equal(t, []string{"payment:p1", "payment:p2"}, h.endpoint.Calls())
	n, err := h.db.Count(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnqueue_WhileOnlineStartsPass(t *testing.T) {
	h := newHarness(t, harnessOptions{online: true})
	require.NoError(t, h.manager.Start(h.ctx))

	op, err := h.manager.Enqueue(h.ctx, createStudent("s1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, op.Status)

	h.waitCalls(1)
	assert.Equal(t, 1, h.events.Count(events.EventOperationEnqueued))
	assert.Equal(t, 1, h.events.Count(events.EventOperationSynced))
}

func TestEnqueue_InvalidPayloadIsNotRecorded(t *testing.T) {
	h := newHarness(t, harnessOptions{online: false})

	_, err := h.manager.Enqueue(h.ctx, models.CreateAttendance{StudentID: "s1", Date: "10/09/2024", Status: "HERE"})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	n, err := h.db.Count(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.events.Count(events.EventOperationEnqueued))
}

func TestNext_SkipsTerminalAndAttempted(t *testing.T) {
	now := time.Date(2024, 9, 10, 8, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)
	mk := func(id string, m models.Mutation, status models.OperationStatus, at *time.Time) models.QueuedOperation {
		raw, err := models.EncodeMutation(m)
		require.NoError(t, err)
		return models.QueuedOperation{ID: id, Kind: m.Kind(), Target: m.Target(), Payload: raw, Status: status, NextAttemptAt: at}
	}

	ops := []models.QueuedOperation{
		mk("a", createStudent("s1"), models.StatusFailedTerminal, nil),
		mk("b", attendance("s1"), models.StatusFailedRetryable, &later),
		mk("c", grade("g1", "s1"), models.StatusPending, nil),
		mk("d", payment("p1", "s2"), models.StatusPending, nil),
		mk("e", payment("p2", "s3"), models.StatusPending, nil),
	}

	got := next(ops, map[string]struct{}{}, now)
	require.NotNil(t, got)
	assert.Equal(t, "d", got.ID)

	got = next(ops, map[string]struct{}{"d": {}}, now)
	require.NotNil(t, got)
	assert.Equal(t, "e", got.ID)

	// Once the backoff expires the blocked chain resumes from its head.
	got = next(ops, map[string]struct{}{}, later)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.ID)

	assert.Nil(t, next(ops, map[string]struct{}{"b": {}, "d": {}, "e": {}}, later))
}
