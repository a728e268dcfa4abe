// Package metrics exposes Prometheus metrics for deployments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deploybot"

// Metrics collects deployment metrics on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	deploymentsStarted  *prometheus.CounterVec
	deploymentsFinished *prometheus.CounterVec
	deploymentDuration  *prometheus.HistogramVec
	phaseDuration       *prometheus.HistogramVec
	checkFailures       *prometheus.CounterVec
	progressEvents      *prometheus.CounterVec
	activeDeployments   prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the metrics and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		deploymentsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_started_total",
				Help:      "Total number of deployments started",
			},
			[]string{"target", "tag"},
		),
		deploymentsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_finished_total",
				Help:      "Total number of deployments that reached a terminal state",
			},
			[]string{"target", "state"},
		),
		deploymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Duration of deployments from creation to terminal state",
				Buckets:   []float64{10, 30, 60, 120, 300, 600, 900, 1800, 3600},
			},
			[]string{"target", "state"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of individual lifecycle phases",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"phase", "outcome"},
		),
		checkFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "check_failures_total",
				Help:      "Total number of failed upstream checks that blocked a deployment",
			},
			[]string{"repository"},
		),
		progressEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "progress_events_total",
				Help:      "Total number of highlights matched in provisioning output",
			},
			[]string{"label"},
		),
		activeDeployments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_deployments",
				Help:      "Number of deployments currently in progress",
			},
		),
	}

	registry.MustRegister(
		m.deploymentsStarted,
		m.deploymentsFinished,
		m.deploymentDuration,
		m.phaseDuration,
		m.checkFailures,
		m.progressEvents,
		m.activeDeployments,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordStarted records a deployment entering the lifecycle
func (m *Metrics) RecordStarted(target, tag string) {
	if m == nil {
		return
	}
	m.deploymentsStarted.WithLabelValues(target, tag).Inc()
	m.activeDeployments.Inc()
}

// RecordFinished records a deployment reaching a terminal state
func (m *Metrics) RecordFinished(target, state string, duration time.Duration) {
	if m == nil {
		return
	}
	m.deploymentsFinished.WithLabelValues(target, state).Inc()
	m.deploymentDuration.WithLabelValues(target, state).Observe(duration.Seconds())
	m.activeDeployments.Dec()
}

// RecordPhase records how long one lifecycle phase took
func (m *Metrics) RecordPhase(phase, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase, outcome).Observe(duration.Seconds())
}

// RecordCheckFailure records a failed upstream check
func (m *Metrics) RecordCheckFailure(repository string) {
	if m == nil {
		return
	}
	m.checkFailures.WithLabelValues(repository).Inc()
}

// RecordProgress records a matched highlight
func (m *Metrics) RecordProgress(label string) {
	if m == nil {
		return
	}
	m.progressEvents.WithLabelValues(label).Inc()
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Timer measures elapsed time for a phase
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
