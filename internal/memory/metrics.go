package memory

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus collectors the manager updates for every
// Optimize call, mirroring the queue package's Metrics.
type Metrics struct {
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// NewMetrics builds and registers the manager's Prometheus collectors
// under reg. reg may be nil, in which case counters are tracked but not
// exported.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits:   prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_cache_hits_total"}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_cache_misses_total"}),
	}
	if reg != nil {
		reg.MustRegister(m.CacheHits, m.CacheMisses)
	}
	return m
}

// SetMetrics attaches a Metrics instance the manager reports Optimize
// hit/miss outcomes through. Nil is valid and disables reporting.
func (m *Manager) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
}
