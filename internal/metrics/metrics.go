package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "schoolsync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	operationsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_enqueued_total",
			Help:      "Mutations recorded in the local queue by kind.",
		},
		[]string{"kind"},
	)

	replays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_total",
			Help:      "Replay attempts by kind and outcome (synced, retry, discard, abort).",
		},
		[]string{"kind", "outcome"},
	)

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Non-terminal operations waiting for the server.",
	})

	syncState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_state",
			Help:      "1 for the current sync manager state.",
		},
		[]string{"state"},
	)

	online = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "online",
		Help:      "1 when the debounced connectivity state is online.",
	})

	drainPasses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "drain_passes_total",
		Help:      "Started drain passes.",
	})
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, operationsEnqueued, replays, queueDepth, syncState, online, drainPasses)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncEnqueued(kind string) {
	operationsEnqueued.WithLabelValues(kind).Inc()
}

func IncReplay(kind, outcome string) {
	replays.WithLabelValues(kind, outcome).Inc()
}

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetState marks state as current and clears the others.
func SetState(state string, all ...string) {
	for _, s := range all {
		syncState.WithLabelValues(s).Set(0)
	}
	syncState.WithLabelValues(state).Set(1)
}

func SetOnline(v bool) {
	if v {
		online.Set(1)
		return
	}
	online.Set(0)
}

func IncDrainPass() {
	drainPasses.Inc()
}
