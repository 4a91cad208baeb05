package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RatingMetrics holds Prometheus metrics for rating operations.
type RatingMetrics struct {
	Operations       *prometheus.CounterVec
	Duration         *prometheus.HistogramVec
	ConflictRetries  *prometheus.CounterVec
	DriftCorrections prometheus.Counter
}

// NewRatingMetrics creates and registers rating metrics on the given registry.
func NewRatingMetrics(reg prometheus.Registerer) *RatingMetrics {
	m := &RatingMetrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of rating operations, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of rating operations in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"operation"}),
		ConflictRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_retries_total",
			Help:      "Total number of retries caused by concurrent aggregate modifications.",
		}, []string{"operation"}),
		DriftCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_corrections_total",
			Help:      "Total number of recomputations that changed a stored aggregate.",
		}),
	}

	reg.MustRegister(m.Operations, m.Duration, m.ConflictRetries, m.DriftCorrections)
	return m
}

// Observe records the outcome and latency of one operation. A nil receiver is a no-op.
func (m *RatingMetrics) Observe(operation, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, outcome).Inc()
	m.Duration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// Retried counts one conflict retry. A nil receiver is a no-op.
func (m *RatingMetrics) Retried(operation string) {
	if m == nil {
		return
	}
	m.ConflictRetries.WithLabelValues(operation).Inc()
}

// Corrected counts one drift correction. A nil receiver is a no-op.
func (m *RatingMetrics) Corrected() {
	if m == nil {
		return
	}
	m.DriftCorrections.Inc()
}
