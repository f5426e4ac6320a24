package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds one ContentCache's Prometheus collectors behind a
// sync.RWMutex. They are registered only when a Registerer is supplied.
type metrics struct {
	mu sync.RWMutex

	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	bytesFreed prometheus.Counter
	corrupt   prometheus.Counter
	residentBytes prometheus.Gauge
	residentIndexEntries prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zipline_cache_hits_total",
			Help: "Content cache lookups served from a READY row without invoking the producer.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zipline_cache_misses_total",
			Help: "Content cache lookups that invoked the producer.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zipline_cache_evictions_total",
			Help: "Cache rows removed by the LRU prune policy.",
		}),
		bytesFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zipline_cache_bytes_freed_total",
			Help: "Bytes reclaimed by the LRU prune policy.",
		}),
		corrupt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zipline_cache_corrupt_entries_total",
			Help: "READY rows whose blob failed re-verification and were evicted.",
		}),
		residentBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zipline_cache_resident_bytes",
			Help: "Current sum of READY row sizes.",
		}),
		residentIndexEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zipline_cache_resident_index_entries",
			Help: "Digests currently tracked by the in-memory LRU residency index.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.evictions, m.bytesFreed, m.corrupt, m.residentBytes, m.residentIndexEntries)
	}
	return m
}

func (m *metrics) observeHit() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.hits.Inc()
}

func (m *metrics) observeMiss() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.misses.Inc()
}

func (m *metrics) observeEviction(freedBytes int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.evictions.Inc()
	m.bytesFreed.Add(float64(freedBytes))
}

func (m *metrics) observeCorrupt() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.corrupt.Inc()
}

func (m *metrics) setResidentBytes(total int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.residentBytes.Set(float64(total))
}

func (m *metrics) setResidentIndexEntries(n int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.residentIndexEntries.Set(float64(n))
}
