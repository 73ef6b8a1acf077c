package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-safety/pkg/domain"
)

// Metrics holds the Prometheus collectors exposed on /metrics.
type Metrics struct {
	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	detectorFailures   *prometheus.CounterVec
	configReloads      *prometheus.CounterVec
	auditDropped       prometheus.Gauge
	policiesLoaded     prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a registry holding every safety collector together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safety_policy_evaluations_total",
				Help: "Total number of policy evaluations by outcome",
			},
			[]string{"policy", "category", "outcome"},
		),

		evaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "safety_policy_evaluation_duration_seconds",
				Help:    "Policy evaluation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"policy"},
		),

		detectorFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safety_detector_failures_total",
				Help: "Total number of unavailable detector results",
			},
			[]string{"policy", "detector"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safety_config_reloads_total",
				Help: "Total number of configuration reload attempts",
			},
			[]string{"status"},
		),

		auditDropped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "safety_audit_dropped_records",
				Help: "Audit records dropped because the sink buffer was full",
			},
		),

		policiesLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "safety_policies_loaded",
				Help: "Number of named policies in the active snapshot",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.evaluationsTotal,
		m.evaluationDuration,
		m.detectorFailures,
		m.configReloads,
		m.auditDropped,
		m.policiesLoaded,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveEvaluation records one policy evaluation.
func (m *Metrics) ObserveEvaluation(result domain.PolicyResult, duration time.Duration) {
	if m == nil {
		return
	}
	m.evaluationsTotal.WithLabelValues(result.Policy, string(result.Category), string(result.Outcome)).Inc()
	m.evaluationDuration.WithLabelValues(result.Policy).Observe(duration.Seconds())
	for _, f := range result.Failures {
		m.detectorFailures.WithLabelValues(result.Policy, f.Detector).Inc()
	}
}

// RecordReload counts a configuration reload attempt.
func (m *Metrics) RecordReload(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// SetAuditDropped publishes the audit sink's dropped record count.
func (m *Metrics) SetAuditDropped(n int64) {
	if m == nil {
		return
	}
	m.auditDropped.Set(float64(n))
}

// SetPoliciesLoaded publishes the size of the active policy snapshot.
func (m *Metrics) SetPoliciesLoaded(n int) {
	if m == nil {
		return
	}
	m.policiesLoaded.Set(float64(n))
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
