package metrics_test

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/skysync/internal/metrics"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.ObserveUpstream("ok")
		m.SetLimiterInterval(time.Second)
		m.LimiterRejected()
		m.CacheLookup("live", true)
		m.DedupJoined()
		m.ChunkRetried()
		m.ChunkFailed()
		m.ObserveSync("ok", time.Second)
		m.SetTrackedGroups(3)
		m.SetInterpolated(10)
		m.SetBreakerState(2)
	})
}

func TestMetrics_RecordsOnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.ObserveUpstream("ok")
	m.ObserveUpstream("ok")
	m.ObserveUpstream("rate_limited")
	m.CacheLookup("live", true)
	m.CacheLookup("live", false)
	m.CacheLookup("static", false)
	m.SetLimiterInterval(1500 * time.Millisecond)
	m.SetTrackedGroups(2)
	m.SetBreakerState(2)

	expected := `
# HELP skysync_upstream_requests_total Upstream position requests by outcome
# TYPE skysync_upstream_requests_total counter
skysync_upstream_requests_total{outcome="ok"} 2
skysync_upstream_requests_total{outcome="rate_limited"} 1
# HELP skysync_cache_lookups_total Cache lookups by store and result
# TYPE skysync_cache_lookups_total counter
skysync_cache_lookups_total{result="hit",store="live"} 1
skysync_cache_lookups_total{result="miss",store="live"} 1
skysync_cache_lookups_total{result="miss",store="static"} 1
# HELP skysync_ratelimit_interval_seconds Current adaptive polling interval
# TYPE skysync_ratelimit_interval_seconds gauge
skysync_ratelimit_interval_seconds 1.5
# HELP skysync_tracked_groups Groups currently tracked
# TYPE skysync_tracked_groups gauge
skysync_tracked_groups 2
# HELP skysync_upstream_circuit_state Upstream circuit breaker state (0=closed, 1=half-open, 2=open)
# TYPE skysync_upstream_circuit_state gauge
skysync_upstream_circuit_state 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"skysync_upstream_requests_total",
		"skysync_cache_lookups_total",
		"skysync_ratelimit_interval_seconds",
		"skysync_tracked_groups",
		"skysync_upstream_circuit_state",
	))
}

func TestMetrics_SyncHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.ObserveSync("ok", 200*time.Millisecond)
	m.ObserveSync("partial", 3*time.Second)

	n, err := testutil.GatherAndCount(reg, "skysync_sync_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "una serie por resultado")
}

func TestMetrics_TwoEnginesOnSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		metrics.New(prometheus.NewRegistry())
		metrics.New(prometheus.NewRegistry())
		metrics.New(nil)
	})
}
