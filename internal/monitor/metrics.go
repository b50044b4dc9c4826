package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the execution engine.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ValidationsTotal  *prometheus.CounterVec
	ViolationsTotal   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	ResourceBreaches  *prometheus.CounterVec
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
	PeakMemoryBytes   prometheus.Histogram
}

// NewMetrics creates and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mathviz",
				Name:      "executions_total",
				Help:      "Total number of executions by mode and terminal status.",
			},
			[]string{"mode", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mathviz",
				Name:      "execution_duration_seconds",
				Help:      "Wall clock duration of executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"mode"},
		),

		ValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mathviz",
				Name:      "validations_total",
				Help:      "Total static validations by verdict.",
			},
			[]string{"verdict"},
		),

		ViolationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mathviz",
				Name:      "validation_violations_total",
				Help:      "Total policy violations flagged during validation, by category.",
			},
			[]string{"category"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mathviz",
				Name:      "active_executions",
				Help:      "Number of currently running executions.",
			},
		),

		ResourceBreaches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mathviz",
				Name:      "resource_breaches_total",
				Help:      "Total resource ceiling breaches by ceiling kind.",
			},
			[]string{"resource"},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "mathviz",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "mathviz",
				Name:      "output_size_bytes",
				Help:      "Size of captured print output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),

		PeakMemoryBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "mathviz",
				Name:      "peak_memory_bytes",
				Help:      "Peak memory observed per execution in bytes.",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 12),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ValidationsTotal,
		m.ViolationsTotal,
		m.ActiveExecutions,
		m.ResourceBreaches,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
		m.PeakMemoryBytes,
	)

	return m
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(mode, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(mode, status).Inc()
	m.ExecutionDuration.WithLabelValues(mode).Observe(durationSec)
}

// RecordValidation records a validation verdict plus its per-category
// violation counts.
func (m *Metrics) RecordValidation(safe bool, categories []string) {
	verdict := "safe"
	if !safe {
		verdict = "rejected"
	}
	m.ValidationsTotal.WithLabelValues(verdict).Inc()
	for _, c := range categories {
		m.ViolationsTotal.WithLabelValues(c).Inc()
	}
}

// RecordBreach records a resource ceiling breach.
func (m *Metrics) RecordBreach(resource string) {
	m.ResourceBreaches.WithLabelValues(resource).Inc()
}
