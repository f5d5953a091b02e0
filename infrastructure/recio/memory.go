package recio

import (
	"context"
	"io"
	"sync"

	"github.com/fennic/recpipe/internal/domain"
	"github.com/fennic/recpipe/internal/ports"
)

// Verify interface compliance at compile time.
var (
	_ ports.Reader = (*SliceReader)(nil)
	_ ports.Writer = (*CollectWriter)(nil)
)

// SliceReader serves pre-built capsule batches from memory, for tests and
// embedded use.
type SliceReader struct {
	mu      sync.Mutex
	batches []*domain.Stream
	pos     int
}

// NewSliceReader creates a reader over the given batches, served in order.
func NewSliceReader(batches ...*domain.Stream) *SliceReader {
	return &SliceReader{batches: batches}
}

// Next returns the next batch, or io.EOF once all are served.
func (r *SliceReader) Next(ctx context.Context) (*domain.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pos >= len(r.batches) {
		return nil, io.EOF
	}
	batch := r.batches[r.pos]
	r.pos++
	return batch, nil
}

// CollectWriter accumulates the non-errored capsules of every written batch
// in memory, along with the errored ones it skipped, for inspection.
type CollectWriter struct {
	mu      sync.Mutex
	written []*domain.Capsule
	skipped []*domain.Capsule
}

// NewCollectWriter creates an empty collecting writer.
func NewCollectWriter() *CollectWriter {
	return &CollectWriter{}
}

// Write records the batch's capsules, skipping errored ones.
func (w *CollectWriter) Write(ctx context.Context, stream *domain.Stream) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range stream.Capsules() {
		if c.Errored() {
			w.skipped = append(w.skipped, c)
			continue
		}
		w.written = append(w.written, c)
	}
	return nil
}

// Written returns every capsule persisted so far, in write order.
func (w *CollectWriter) Written() []*domain.Capsule {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*domain.Capsule, len(w.written))
	copy(out, w.written)
	return out
}

// Skipped returns every errored capsule the writer refused to persist.
func (w *CollectWriter) Skipped() []*domain.Capsule {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*domain.Capsule, len(w.skipped))
	copy(out, w.skipped)
	return out
}
