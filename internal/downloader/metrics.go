package downloader

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds one Downloader's Prometheus collectors behind a
// sync.RWMutex, as in cache, fetch and loader. They are registered only
// when a Registerer is supplied.
type metrics struct {
	mu sync.RWMutex

	downloadDuration prometheus.Histogram
	downloadFailures prometheus.Counter
	modulesWritten   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		downloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zipline_download_duration_seconds",
			Help:    "Wall-clock time of a full Downloader.Download call.",
			Buckets: prometheus.DefBuckets,
		}),
		downloadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zipline_download_failures_total",
			Help: "Downloader.Download calls that returned an error.",
		}),
		modulesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zipline_modules_written_total",
			Help: "Modules successfully written to a download directory.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.downloadDuration, m.downloadFailures, m.modulesWritten)
	}
	return m
}

func (m *metrics) observeDownload(seconds float64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.downloadDuration.Observe(seconds)
	if !ok {
		m.downloadFailures.Inc()
	}
}

func (m *metrics) observeModuleWritten() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.modulesWritten.Inc()
}
