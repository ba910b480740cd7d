package authfetch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Request outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeRetried     = "retried"
	OutcomeAuthExpired = "auth_expired"
	OutcomeTransport   = "transport_error"
)

// Refresh results.
const (
	RefreshSuccess = "success"
	RefreshFailure = "failure"
)

// Metrics counts requests by outcome and refresh calls by result.
type Metrics struct {
	Requests  *prometheus.CounterVec
	Refreshes *prometheus.CounterVec
}

// NewMetrics registers the counters on reg. A nil reg leaves them unregistered,
// which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authfetch",
			Name:      "requests_total",
			Help:      "Authenticated requests by final outcome.",
		}, []string{"outcome"}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authfetch",
			Name:      "refresh_total",
			Help:      "Calls to the refresh endpoint by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.Refreshes)
	}
	return m
}

func (m *Metrics) request(outcome string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) refresh(result string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(result).Inc()
}
