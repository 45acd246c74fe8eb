package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus collectors the store updates as sessions
// open and close; constructed once per process and safe to register with
// any registerer, mirroring the queue package's Metrics.
type Metrics struct {
	Active prometheus.Gauge
}

// NewMetrics builds and registers the store's Prometheus collectors under
// reg. reg may be nil, in which case the gauge is tracked but not exported.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Active: prometheus.NewGauge(prometheus.GaugeOpts{Name: "gateway_sessions_active"}),
	}
	if reg != nil {
		reg.MustRegister(m.Active)
	}
	return m
}

// SetMetrics attaches a Metrics instance the store keeps in sync with its
// active session count. Nil is valid and disables reporting.
func (s *Store) SetMetrics(m *Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}
