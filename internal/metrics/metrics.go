// Package metrics holds the Prometheus instrumentation of the sync engine.
//
// Collectors are registered on an injected prometheus.Registerer so several
// engines (one per test, for instance) can coexist in one process. Every
// method is nil-safe: components accept a nil *Metrics and skip recording.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "skysync"

// Metrics groups every collector exposed by the engine.
type Metrics struct {
	upstreamRequests  *prometheus.CounterVec
	limiterInterval   prometheus.Gauge
	limiterRejections prometheus.Counter
	cacheLookups      *prometheus.CounterVec
	dedupJoins        prometheus.Counter
	chunkRetries      prometheus.Counter
	chunkFailures     prometheus.Counter
	syncDuration      *prometheus.HistogramVec
	trackedGroups     prometheus.Gauge
	interpolated      prometheus.Gauge
	breakerState      prometheus.Gauge
}

// New creates the collectors and registers them on reg.
// A nil reg creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		upstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream position requests by outcome",
		}, []string{"outcome"}), // ok, rate_limited, unavailable, auth_failed, invalid
		limiterInterval: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ratelimit_interval_seconds",
			Help:      "Current adaptive polling interval",
		}),
		limiterRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejections_total",
			Help:      "Requests refused because the local quota was exhausted",
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by store and result",
		}, []string{"store", "result"}),
		dedupJoins: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_shared_total",
			Help:      "Callers that joined an in-flight or just-finished fetch",
		}),
		chunkRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_chunk_retries_total",
			Help:      "Chunk attempts retried after a transient failure",
		}),
		chunkFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_chunk_failures_total",
			Help:      "Chunks that exhausted their retries",
		}),
		syncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Group fetch duration by result",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"result"}), // ok, partial, failed
		trackedGroups: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_groups",
			Help:      "Groups currently tracked",
		}),
		interpolated: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "interpolation_entities",
			Help:      "Entities with interpolation history",
		}),
		breakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_circuit_state",
			Help:      "Upstream circuit breaker state (0=closed, 1=half-open, 2=open)",
		}),
	}
}

func (m *Metrics) ObserveUpstream(outcome string) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetLimiterInterval(d time.Duration) {
	if m == nil {
		return
	}
	m.limiterInterval.Set(d.Seconds())
}

func (m *Metrics) LimiterRejected() {
	if m == nil {
		return
	}
	m.limiterRejections.Inc()
}

// CacheLookup cuenta un hit o miss en el store dado ("live" o "static").
func (m *Metrics) CacheLookup(store string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(store, result).Inc()
}

func (m *Metrics) DedupJoined() {
	if m == nil {
		return
	}
	m.dedupJoins.Inc()
}

func (m *Metrics) ChunkRetried() {
	if m == nil {
		return
	}
	m.chunkRetries.Inc()
}

func (m *Metrics) ChunkFailed() {
	if m == nil {
		return
	}
	m.chunkFailures.Inc()
}

func (m *Metrics) ObserveSync(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) SetTrackedGroups(n int) {
	if m == nil {
		return
	}
	m.trackedGroups.Set(float64(n))
}

func (m *Metrics) SetInterpolated(n int) {
	if m == nil {
		return
	}
	m.interpolated.Set(float64(n))
}

func (m *Metrics) SetBreakerState(state float64) {
	if m == nil {
		return
	}
	m.breakerState.Set(state)
}
