// Package middleware provides cross-cutting concerns for the pipeline
// engine.
package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fennic/recpipe/internal/ports"
)

// Verify interface compliance at compile time.
var _ ports.MetricsCollector = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements the MetricsCollector interface using
// Prometheus, exposing batch throughput, capsule outcomes, and stage
// latency for the pipeline engine.
type PrometheusMetrics struct {
	batchesTotal *prometheus.CounterVec
	batchSize    prometheus.Histogram
	capsules     *prometheus.CounterVec
	stageLatency *prometheus.HistogramVec
}

// NewPrometheusMetrics creates a PrometheusMetrics instance and registers
// all metrics in the global Prometheus registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		batchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recpipe_batches_total",
				Help: "Total number of batches that finished the pipeline, by status.",
			},
			[]string{"status"},
		),
		batchSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recpipe_batch_size",
				Help:    "Number of capsules per completed batch.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		capsules: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recpipe_capsules_total",
				Help: "Total number of capsules leaving the pipeline, by status.",
			},
			[]string{"status"},
		),
		stageLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recpipe_stage_duration_seconds",
				Help:    "Time one stage spent processing one batch.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage", "kind"},
		),
	}
}

// RecordBatch implements the MetricsCollector interface.
func (pm *PrometheusMetrics) RecordBatch(size int, status string) {
	pm.batchesTotal.WithLabelValues(status).Inc()
	if status == "completed" {
		pm.batchSize.Observe(float64(size))
	}
}

// RecordStageLatency implements the MetricsCollector interface.
func (pm *PrometheusMetrics) RecordStageLatency(stage, kind string, d time.Duration) {
	pm.stageLatency.WithLabelValues(stage, kind).Observe(d.Seconds())
}

// RecordCapsules implements the MetricsCollector interface.
func (pm *PrometheusMetrics) RecordCapsules(count int, status string) {
	if count <= 0 {
		return
	}
	pm.capsules.WithLabelValues(status).Add(float64(count))
}
