package metrics

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides observability for the de-identification pipeline. All
// methods are safe to call on a nil receiver so components can run without it.
type Metrics struct {
	registry *prometheus.Registry

	// Anonymize outcomes: success, failed, rejected
	AnonymizeOutcome *prometheus.CounterVec
	AnonymizeLatency prometheus.Histogram

	// Field decisions by action: remove, pseudonymize, preserve
	FieldActions *prometheus.CounterVec

	PolicyTransitions *prometheus.CounterVec
	EmergencyBypass   prometheus.Counter

	AuditAppends       *prometheus.CounterVec
	AuditAppendLatency prometheus.Histogram
	AuditPurged        prometheus.Counter

	MappingStoreErrors *prometheus.CounterVec
}

// New registers every collector on a fresh registry. Each call is independent,
// so tests can construct as many instances as they need.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		AnonymizeOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deid_anonymize_total",
			Help: "Total anonymize calls by outcome",
		}, []string{"outcome"}),

		AnonymizeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "deid_anonymize_duration_seconds",
			Help:    "Duration of a single anonymize call including the audit write",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),

		FieldActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deid_field_actions_total",
			Help: "Fields processed by applied action",
		}, []string{"action"}),

		PolicyTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deid_policy_transitions_total",
			Help: "Policy lifecycle transitions by event",
		}, []string{"event"}),

		EmergencyBypass: f.NewCounter(prometheus.CounterOpts{
			Name: "deid_policy_emergency_bypass_total",
			Help: "Policy resolutions served through emergency bypass",
		}),

		AuditAppends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deid_audit_appends_total",
			Help: "Audit append attempts by result",
		}, []string{"result"}),

		AuditAppendLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "deid_audit_append_duration_seconds",
			Help:    "Duration of durable audit appends",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 5},
		}),

		AuditPurged: f.NewCounter(prometheus.CounterOpts{
			Name: "deid_audit_purged_total",
			Help: "Audit records removed by the retention job",
		}),

		MappingStoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deid_mapping_store_errors_total",
			Help: "Pseudonym mapping store failures by operation",
		}, []string{"op"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an echo handler serving the registry in Prometheus format.
func (m *Metrics) Handler() echo.HandlerFunc {
	if m == nil {
		return func(c echo.Context) error { return c.NoContent(http.StatusNotFound) }
	}
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// ObserveAnonymize records the outcome and latency of an anonymize call.
func (m *Metrics) ObserveAnonymize(outcome string, d time.Duration) {
	if m != nil {
		m.AnonymizeOutcome.WithLabelValues(outcome).Inc()
		m.AnonymizeLatency.Observe(d.Seconds())
	}
}

// AddFieldActions adds n fields processed with the given action.
func (m *Metrics) AddFieldActions(action string, n int) {
	if m != nil && n > 0 {
		m.FieldActions.WithLabelValues(action).Add(float64(n))
	}
}

// IncPolicyTransition records a policy lifecycle event.
func (m *Metrics) IncPolicyTransition(event string) {
	if m != nil {
		m.PolicyTransitions.WithLabelValues(event).Inc()
	}
}

// IncEmergencyBypass records a bypassed resolution.
func (m *Metrics) IncEmergencyBypass() {
	if m != nil {
		m.EmergencyBypass.Inc()
	}
}

// ObserveAuditAppend records an audit append result and its latency.
func (m *Metrics) ObserveAuditAppend(result string, d time.Duration) {
	if m != nil {
		m.AuditAppends.WithLabelValues(result).Inc()
		m.AuditAppendLatency.Observe(d.Seconds())
	}
}

// AddAuditPurged adds n purged audit records.
func (m *Metrics) AddAuditPurged(n int) {
	if m != nil && n > 0 {
		m.AuditPurged.Add(float64(n))
	}
}

// IncMappingStoreError records a mapping store failure.
func (m *Metrics) IncMappingStoreError(op string) {
	if m != nil {
		m.MappingStoreErrors.WithLabelValues(op).Inc()
	}
}
