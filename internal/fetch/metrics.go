package fetch

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Tier identifies which resolution tier (spec §4.C) served a fetch.
type Tier string

const (
	TierEmbedded Tier = "embedded"
	TierCache    Tier = "cache"
	TierNetwork  Tier = "network"
)

// metrics holds one Pipeline's Prometheus collectors behind a
// sync.RWMutex, as in the cache package. They are registered only when a
// Registerer is supplied.
type metrics struct {
	mu sync.RWMutex

	fetchDuration *prometheus.HistogramVec
	fetchFailures *prometheus.CounterVec
	throttleDepth prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zipline_fetch_duration_seconds",
			Help:    "Time to resolve module or manifest bytes, labeled by resolution tier.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tier"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zipline_fetch_failures_total",
			Help: "Fetch attempts that returned an error, labeled by resolution tier.",
		}, []string{"tier"}),
		throttleDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zipline_fetch_throttle_inflight",
			Help: "Number of network download permits currently held.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.fetchDuration, m.fetchFailures, m.throttleDepth)
	}
	return m
}

func (m *metrics) observeFetch(tier Tier, seconds float64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.fetchDuration.WithLabelValues(string(tier)).Observe(seconds)
	if !ok {
		m.fetchFailures.WithLabelValues(string(tier)).Inc()
	}
}

func (m *metrics) setThrottleDepth(n int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.throttleDepth.Set(float64(n))
}
