package downstream

import "github.com/prometheus/client_golang/prometheus"

// Decision results recorded by the forwarder.
const (
	ResultOK              = "ok"
	ResultExpired         = "expired"
	ResultMissingScope    = "missing_scope"
	ResultUnauthenticated = "unauthenticated"
	ResultInvalid         = "invalid"
)

// Metrics holds the forwarder's collectors.
type Metrics struct {
	decisions      *prometheus.CounterVec
	upstreamErrors prometheus.Counter
}

// NewMetrics creates and registers the collectors on reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bff",
			Name:      "downstream_authorizations_total",
			Help:      "Downstream authorization decisions by result.",
		}, []string{"result"}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bff",
			Name:      "downstream_upstream_errors_total",
			Help:      "Proxied calls that failed to reach the downstream API.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.decisions, m.upstreamErrors)
	}
	return m
}

// Decisions exposes the decision counter.
func (m *Metrics) Decisions() *prometheus.CounterVec {
	return m.decisions
}
