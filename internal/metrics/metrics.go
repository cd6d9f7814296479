// Package metrics exposes authentication and session counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Login outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeRejected  = "rejected"
	OutcomeThrottled = "throttled"
	OutcomeError     = "error"
)

// Metrics holds the collectors of one server instance on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	loginAttempts *prometheus.CounterVec
	terminations  *prometheus.CounterVec
	active        prometheus.Gauge
}

// New registers the session collectors plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		loginAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medeval_login_attempts_total",
				Help: "Total number of login attempts by outcome",
			},
			[]string{"outcome"},
		),
		terminations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medeval_session_terminations_total",
				Help: "Total number of ended sessions by reason",
			},
			[]string{"reason"},
		),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medeval_active_sessions",
			Help: "Number of sessions currently tracked",
		}),
	}

	m.registry.MustRegister(m.loginAttempts, m.terminations, m.active)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordLogin counts a login attempt (use the Outcome* constants).
func (m *Metrics) RecordLogin(outcome string) {
	m.loginAttempts.WithLabelValues(outcome).Inc()
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted() {
	m.active.Inc()
}

// SessionEnded decrements the gauge and counts the termination reason.
func (m *Metrics) SessionEnded(reason string) {
	m.active.Dec()
	m.terminations.WithLabelValues(reason).Inc()
}
