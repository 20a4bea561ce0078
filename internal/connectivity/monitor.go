package connectivity

import (
	"context"
	"sync"
	"time"

	"schoolsync/internal/metrics"
	"schoolsync/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Prober checks whether the server is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// Monitor turns raw online/offline signals into debounced transitions.
// A signal must hold for the debounce window before subscribers hear about
// it, and every transition is delivered once.
type Monitor struct {
	clock    clockwork.Clock
	debounce time.Duration
	logger   *zerolog.Logger

	mu        sync.Mutex
	online    bool
	candidate bool
	timer     clockwork.Timer
	gen       uint64
	subs      map[int]func(models.Transition)
	nextSubID int
}

func NewMonitor(initial bool, debounce time.Duration, clock clockwork.Clock, logger *zerolog.Logger) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	metrics.SetOnline(initial)
	return &Monitor{
		clock:     clock,
		debounce:  debounce,
		logger:    logger,
		online:    initial,
		candidate: initial,
		subs:      make(map[int]func(models.Transition)),
	}
}

// Online returns the committed (debounced) state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for future transitions. Handlers run on the
// monitor's timer goroutine and must not block.
func (m *Monitor) Subscribe(fn func(models.Transition)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Report feeds a raw connectivity signal.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()

	pending := m.timer != nil
	if online == m.candidate && (pending || online == m.online) {
		// Same signal again: either already committed or already counting down.
		m.mu.Unlock()
		return
	}

	m.candidate = online
	m.gen++
	gen := m.gen
	if pending {
		m.timer.Stop()
		m.timer = nil
	}

	if online == m.online {
		// Flapped back before the window elapsed.
		m.mu.Unlock()
		return
	}

	if m.debounce <= 0 {
		m.mu.Unlock()
		m.commit(gen)
		return
	}

	m.timer = m.clock.AfterFunc(m.debounce, func() { m.commit(gen) })
	m.mu.Unlock()
}

func (m *Monitor) commit(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.candidate == m.online {
		m.mu.Unlock()
		return
	}
	m.online = m.candidate
	m.timer = nil

	tr := models.Transition{Online: m.online, At: m.clock.Now()}
	subs := make([]func(models.Transition), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	metrics.SetOnline(tr.Online)
	m.logger.Info().Bool("online", tr.Online).Msg("Connectivity changed")

	for _, fn := range subs {
		fn(tr)
	}
}

// Run polls the prober until ctx is done. The first probe happens
// immediately.
func (m *Monitor) Run(ctx context.Context, prober Prober, interval time.Duration) {
	if prober == nil || interval <= 0 {
		return
	}

	probe := func() {
		err := prober.Probe(ctx)
		if err != nil && ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logger.Debug().Err(err).Msg("Server probe failed")
		}
		m.Report(err == nil)
	}

	probe()

	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			probe()
		}
	}
}

// Close stops a pending debounce timer.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
