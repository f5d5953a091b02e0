package ports

import (
	"context"

	"github.com/fennic/recpipe/internal/domain"
)

// Reader produces the batches the pipeline consumes. Implementations turn an
// external source into capsule streams of a configured batch size.
type Reader interface {
	// Next returns the next batch as a capsule stream. It returns io.EOF
	// when the source is exhausted; any other error is surfaced to the
	// pipeline as a reader failure and aborts the run.
	Next(ctx context.Context) (*domain.Stream, error)
}

// Writer consumes completed batches and persists them. Writers are expected
// to skip capsules flagged as errored rather than persist them, and are
// responsible for their own idempotence and retry policy; the pipeline does
// not retry at its layer.
type Writer interface {
	// Write persists one completed batch. Any returned error is surfaced to
	// the pipeline as a writer failure and aborts the run.
	Write(ctx context.Context, stream *domain.Stream) error
}
