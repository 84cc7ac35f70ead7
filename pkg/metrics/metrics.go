// Package metrics exposes Prometheus metrics for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gatekeepoor"

// Metrics contains all Prometheus metrics for gatekeepoor.
type Metrics struct {
	// Admission.
	RequestsTotal     *prometheus.CounterVec
	AdmissionsTotal   *prometheus.CounterVec
	RejectionsTotal   *prometheus.CounterVec
	AuthFailuresTotal *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec

	// Registry.
	RegisteredRoutes prometheus.Gauge
	RegisteredRules  prometheus.Gauge
	RegisteredKeys   prometheus.Gauge
	LimiterEntries   prometheus.Gauge

	// Build info.
	BuildInfo *prometheus.GaugeVec
}

// New creates a new Metrics instance and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests processed by the gateway",
			},
			[]string{"method", "status", "outcome"},
		),
		AdmissionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admissions_total",
				Help:      "Total number of requests admitted past rate limiting",
			},
			[]string{"rule"},
		),
		RejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Total number of requests rejected by rate limiting",
			},
			[]string{"rule"},
		),
		AuthFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of failed API key authentications",
			},
			[]string{"method", "path"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Gateway request processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		RegisteredRoutes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registered_routes",
				Help:      "Number of registered routes",
			},
		),
		RegisteredRules: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registered_rules",
				Help:      "Number of registered rate limit rules",
			},
		),
		RegisteredKeys: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registered_api_keys",
				Help:      "Number of registered API keys",
			},
		),
		LimiterEntries: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "limiter_entries",
				Help:      "Number of live (rule, client) limiter state entries",
			},
		),

		BuildInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Build information",
			},
			[]string{"version", "commit", "date"},
		),
	}

	return m
}

// SetBuildInfo sets the build info metric.
func (m *Metrics) SetBuildInfo(version, commit, date string) {
	m.BuildInfo.WithLabelValues(version, commit, date).Set(1)
}

// RecordRequest records a processed request.
func (m *Metrics) RecordRequest(method, status, outcome string, duration float64) {
	m.RequestsTotal.WithLabelValues(method, status, outcome).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration)
}

// RecordAdmission increments the admissions counter for a rule.
func (m *Metrics) RecordAdmission(rule string) {
	m.AdmissionsTotal.WithLabelValues(rule).Inc()
}

// RecordRejection increments the rejections counter for a rule.
func (m *Metrics) RecordRejection(rule string) {
	m.RejectionsTotal.WithLabelValues(rule).Inc()
}

// RecordAuthFailure increments the auth failure counter.
func (m *Metrics) RecordAuthFailure(method, path string) {
	m.AuthFailuresTotal.WithLabelValues(method, path).Inc()
}

// SetRegistrySizes updates the registry gauges.
func (m *Metrics) SetRegistrySizes(routes, rules, keys, limiterEntries float64) {
	m.RegisteredRoutes.Set(routes)
	m.RegisteredRules.Set(rules)
	m.RegisteredKeys.Set(keys)
	m.LimiterEntries.Set(limiterEntries)
}
