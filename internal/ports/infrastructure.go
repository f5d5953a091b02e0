package ports

import "time"

// MetricsCollector abstracts the metrics backend so the application layer
// never imports a concrete metrics library. The Prometheus implementation
// lives in infrastructure/middleware.
type MetricsCollector interface {
	// RecordBatch records that a batch of the given size finished the
	// pipeline with the given status ("completed" or "aborted").
	RecordBatch(size int, status string)

	// RecordStageLatency records how long one stage took on one batch.
	// kind is "subpipe" or "bag".
	RecordStageLatency(stage, kind string, d time.Duration)

	// RecordCapsules records capsule outcomes for a batch, labeled by
	// status ("processed" or "errored").
	RecordCapsules(count int, status string)
}

// NopMetrics is a MetricsCollector that discards everything. It is the
// default when no collector is configured.
type NopMetrics struct{}

// RecordBatch implements MetricsCollector.
func (NopMetrics) RecordBatch(int, string) {}

// RecordStageLatency implements MetricsCollector.
func (NopMetrics) RecordStageLatency(string, string, time.Duration) {}

// RecordCapsules implements MetricsCollector.
func (NopMetrics) RecordCapsules(int, string) {}
