package loader

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds one Loader's Prometheus collectors behind a sync.RWMutex,
// as in the cache and fetch packages. They are registered only when a
// Registerer is supplied.
type metrics struct {
	mu sync.RWMutex

	loadDuration   prometheus.Histogram
	loadFailures   prometheus.Counter
	modulesLinked  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zipline_load_duration_seconds",
			Help:    "Wall-clock time of a full Loader.Load call.",
			Buckets: prometheus.DefBuckets,
		}),
		loadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zipline_load_failures_total",
			Help: "Loader.Load calls that returned an error.",
		}),
		modulesLinked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zipline_modules_linked_total",
			Help: "Modules successfully handed to the engine sink.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.loadDuration, m.loadFailures, m.modulesLinked)
	}
	return m
}

func (m *metrics) observeLoad(seconds float64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.loadDuration.Observe(seconds)
	if !ok {
		m.loadFailures.Inc()
	}
}

func (m *metrics) observeLinked() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.modulesLinked.Inc()
}
