package swap

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus collectors the controller updates across
// swap attempts, mirroring the queue package's Metrics.
type Metrics struct {
	Attempts prometheus.Counter
	Failures prometheus.Counter
}

// NewMetrics builds and registers the controller's Prometheus collectors
// under reg. reg may be nil, in which case counters are tracked but not
// exported.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_model_swap_attempts_total"}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_model_swap_failures_total"}),
	}
	if reg != nil {
		reg.MustRegister(m.Attempts, m.Failures)
	}
	return m
}

// SetMetrics attaches a Metrics instance the controller reports swap
// attempts/failures through. Nil is valid and disables reporting.
func (c *Controller) SetMetrics(m *Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}
