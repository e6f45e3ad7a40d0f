package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/latch-dev/latch/internal/domain/audit"
	"github.com/latch-dev/latch/internal/domain/policy"
	"github.com/latch-dev/latch/internal/service"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	DecisionsTotal     *prometheus.CounterVec
	Downstreams        *prometheus.GaugeVec
	AuditWriteFailures prometheus.Counter
}

var _ service.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "latch",
				Name:      "decisions_total",
				Help:      "Total admission decisions, by policy action, decision and method",
			},
			[]string{"action", "decision", "method"},
		),
		Downstreams: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "latch",
				Name:      "downstreams",
				Help:      "Number of downstream MCP servers by connection state",
			},
			[]string{"state"}, // state=connected/failed
		),
		AuditWriteFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "latch",
				Name:      "audit_write_failures_total",
				Help:      "Total audit entries that could not be written",
			},
		),
	}
}

// RecordDecision counts one decision.
func (m *Metrics) RecordDecision(action policy.Action, decision audit.Decision, method audit.Method) {
	m.DecisionsTotal.WithLabelValues(string(action), string(decision), string(method)).Inc()
}

// SetDownstreams publishes the current connection counts.
func (m *Metrics) SetDownstreams(connected, failed int) {
	m.Downstreams.WithLabelValues("connected").Set(float64(connected))
	m.Downstreams.WithLabelValues("failed").Set(float64(failed))
}

// RecordAuditFailure counts one lost audit entry.
func (m *Metrics) RecordAuditFailure() {
	m.AuditWriteFailures.Inc()
}
