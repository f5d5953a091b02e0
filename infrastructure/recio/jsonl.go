// Package recio provides reader and writer adapters at the pipeline's I/O
// boundary: JSON-lines streams for real sources and in-memory adapters for
// tests and embedding.
package recio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/time/rate"

	"github.com/fennic/recpipe/internal/domain"
	"github.com/fennic/recpipe/internal/ports"
)

// Verify interface compliance at compile time.
var (
	_ ports.Reader = (*JSONLReader)(nil)
	_ ports.Writer = (*JSONLWriter)(nil)
)

// JSONLReader produces capsule streams from line-delimited JSON objects.
// Each line becomes one capsule whose input record is the decoded
// map[string]any; batches are bounded by the configured batch size.
type JSONLReader struct {
	scanner   *bufio.Scanner
	batchSize int
	idField   string
	line      int
	done      bool
}

// NewJSONLReader creates a reader over r producing batches of batchSize
// capsules. When idField is non-empty, each capsule's identifier is taken
// from that key of its input object; otherwise IDs are generated.
func NewJSONLReader(r io.Reader, batchSize int, idField string) (*JSONLReader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	scanner := bufio.NewScanner(r)
	// Lines well beyond the default 64KB token limit are routine for
	// full bibliographic records.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &JSONLReader{
		scanner:   scanner,
		batchSize: batchSize,
		idField:   idField,
	}, nil
}

// Next returns the next batch, or io.EOF once the source is exhausted.
func (r *JSONLReader) Next(ctx context.Context) (*domain.Stream, error) {
	if r.done {
		return nil, io.EOF
	}

	capsules := make([]*domain.Capsule, 0, r.batchSize)
	for len(capsules) < r.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !r.scanner.Scan() {
			r.done = true
			if err := r.scanner.Err(); err != nil {
				return nil, fmt.Errorf("line %d: %w", r.line+1, err)
			}
			break
		}
		r.line++

		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var input map[string]any
		if err := json.Unmarshal(line, &input); err != nil {
			return nil, fmt.Errorf("line %d: %w", r.line, err)
		}
		capsules = append(capsules, domain.NewCapsule(input, domain.WithIDFunc(r.idFunc())))
	}

	if len(capsules) == 0 {
		return nil, io.EOF
	}
	return domain.NewStream(capsules), nil
}

// idFunc derives a capsule identifier from the configured input field.
func (r *JSONLReader) idFunc() domain.IDFunc {
	if r.idField == "" {
		return nil
	}
	field := r.idField
	return func(input any) string {
		m, ok := input.(map[string]any)
		if !ok {
			return ""
		}
		v, ok := m[field]
		if !ok {
			return ""
		}
		return fmt.Sprint(v)
	}
}

// JSONLWriter persists each completed capsule's output record as one JSON
// object per line, fields mapped to their value sequences. Capsules flagged
// as errored are skipped, not persisted. An optional rate limit bounds the
// write rate against a shared downstream.
type JSONLWriter struct {
	w       *bufio.Writer
	enc     *json.Encoder
	limiter *rate.Limiter
}

// JSONLWriterOption configures a JSONLWriter.
type JSONLWriterOption func(*JSONLWriter)

// WithRateLimit bounds the writer to n capsules per second.
func WithRateLimit(n rate.Limit, burst int) JSONLWriterOption {
	return func(w *JSONLWriter) { w.limiter = rate.NewLimiter(n, burst) }
}

// NewJSONLWriter creates a writer emitting line-delimited JSON to w.
func NewJSONLWriter(w io.Writer, opts ...JSONLWriterOption) *JSONLWriter {
	buffered := bufio.NewWriter(w)
	jw := &JSONLWriter{
		w:   buffered,
		enc: json.NewEncoder(buffered),
	}
	for _, opt := range opts {
		opt(jw)
	}
	return jw
}

// Write persists one completed batch, skipping errored capsules.
func (w *JSONLWriter) Write(ctx context.Context, stream *domain.Stream) error {
	for _, c := range stream.Active().Capsules() {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		doc := make(map[string][]any)
		for _, field := range c.Record().Fields() {
			doc[field] = c.Record().Get(field)
		}
		if err := w.enc.Encode(doc); err != nil {
			return fmt.Errorf("capsule %s: %w", c.ID(), err)
		}
	}
	return w.w.Flush()
}
