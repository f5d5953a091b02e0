package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fennic/recpipe/internal/domain"
	"github.com/fennic/recpipe/internal/ports"
)

// mockReader serves pre-built batches and then signals end-of-input.
type mockReader struct {
	batches []*domain.Stream
	err     error
	cursor  int
}

func (r *mockReader) Next(context.Context) (*domain.Stream, error) {
	if r.cursor >= len(r.batches) {
		if r.err != nil {
			return nil, r.err
		}
		return nil, io.EOF
	}
	stream := r.batches[r.cursor]
	r.cursor++
	return stream, nil
}

// mockWriter collects the streams it was handed.
type mockWriter struct {
	err error

	mu      sync.Mutex
	written []*domain.Stream
}

func (w *mockWriter) Write(_ context.Context, stream *domain.Stream) error {
	if w.err != nil {
		return w.err
	}
	w.mu.Lock()
	w.written = append(w.written, stream)
	w.mu.Unlock()
	return nil
}

// holdingsLookupStep resolves each capsule's id field against a shared index
// that is computed at most once per batch.
type holdingsLookupStep struct {
	index    map[string]string
	computes atomic.Int32
	stream   *domain.Stream
}

func (s *holdingsLookupStep) Name() string    { return "holdings" }
func (s *holdingsLookupStep) Validate() error { return nil }

func (s *holdingsLookupStep) Bind(stream *domain.Stream) { s.stream = stream }

func (s *holdingsLookupStep) Execute(_ context.Context, c *domain.Capsule) error {
	index, err := domain.MemoizeAs(s.stream, "holdings_index", func() (map[string]string, error) {
		s.computes.Add(1)
		return s.index, nil
	})
	if err != nil {
		return err
	}
	id := c.Record().Get("id")
	if len(id) == 0 {
		return domain.NewCapsuleError(c.ID(), s.Name(), domain.ErrInvalidField)
	}
	holdings, ok := index[fmt.Sprint(id[0])]
	if !ok {
		return domain.NewCapsuleError(c.ID(), s.Name(), fmt.Errorf("no holdings for id %v", id[0]))
	}
	return c.Record().Set("holdings", holdings)
}

func buildPipeline(t *testing.T, reader ports.Reader, writer ports.Writer, add func(*Builder)) *Pipeline {
	t.Helper()
	b, err := NewBuilder(DefaultConfig())
	require.NoError(t, err)
	b.WithReader(reader).WithWriter(writer)
	add(b)
	p, err := b.Build()
	require.NoError(t, err)
	return p
}

// TestPipeline_EndToEnd runs a two-stage pipeline over one batch: a bag
// labels every capsule with its id, then an ordered stage resolves holdings
// through a batch-scoped shared index.
func TestPipeline_EndToEnd(t *testing.T) {
	lookup := &holdingsLookupStep{index: map[string]string{"1": "A", "2": "B", "3": "C"}}
	idStep := &mockStep{
		name: "set_id",
		executeFunc: func(_ context.Context, c *domain.Capsule) error {
			return c.Record().Set("id", c.ID())
		},
	}

	writer := &mockWriter{}
	p := buildPipeline(t, &mockReader{batches: []*domain.Stream{batchOf(3)}}, writer, func(b *Builder) {
		require.NoError(t, b.AddBag("label", idStep))
		require.NoError(t, b.AddSubpipe("resolve", lookup))
	})

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, PipelineCompleted, p.State())

	require.Len(t, writer.written, 1)
	stream := writer.written[0]
	want := map[string]string{"1": "A", "2": "B", "3": "C"}
	for _, c := range stream.Capsules() {
		assert.Equal(t, []any{c.ID()}, c.Record().Get("id"))
		assert.Equal(t, []any{want[c.ID()]}, c.Record().Get("holdings"))
	}
	assert.Equal(t, int32(1), lookup.computes.Load(),
		"The shared index is computed once for the whole batch.")
}

// TestPipeline_CapsuleErrorIsolation verifies one malformed capsule does not
// block the rest of the batch from reaching the writer.
func TestPipeline_CapsuleErrorIsolation(t *testing.T) {
	failSecond := &mockStep{
		name: "parse",
		executeFunc: func(_ context.Context, c *domain.Capsule) error {
			if c.ID() == "2" {
				return domain.NewCapsuleError(c.ID(), "parse", errors.New("malformed record"))
			}
			return c.Record().Set("parsed", true)
		},
	}
	after := appendStep("enrich", "enriched", true)

	writer := &mockWriter{}
	p := buildPipeline(t, &mockReader{batches: []*domain.Stream{batchOf(3)}}, writer, func(b *Builder) {
		require.NoError(t, b.AddSubpipe("main", failSecond, after))
	})

	require.NoError(t, p.Run(context.Background()),
		"Capsule-scoped failures never abort the pipeline by default.")
	assert.Equal(t, PipelineCompleted, p.State())

	require.Len(t, writer.written, 1)
	stream := writer.written[0]
	assert.True(t, stream.Capsule(1).Errored())
	assert.Equal(t, 2, stream.Active().Len())
	assert.Equal(t, []string{"1", "3"}, after.seenIDs(),
		"Healthy capsules flow through every later step.")
}

// TestPipeline_MultipleBatches verifies strict batch-by-batch flow: each
// batch is fully processed and written before the next is read.
func TestPipeline_MultipleBatches(t *testing.T) {
	var order []string
	var mu sync.Mutex
	note := func(event string) {
		mu.Lock()
		order = append(order, event)
		mu.Unlock()
	}

	step := &mockStep{
		name: "observe",
		executeFunc: func(_ context.Context, c *domain.Capsule) error {
			note("step:" + c.ID())
			return nil
		},
	}
	writer := &mockWriter{}
	reader := &mockReader{batches: []*domain.Stream{batchOf(2), batchOf(2)}}

	p := buildPipeline(t, reader, writer, func(b *Builder) {
		require.NoError(t, b.AddSubpipe("main", step))
	})

	require.NoError(t, p.Run(context.Background()))
	require.Len(t, writer.written, 2)
	assert.Equal(t, []string{"step:1", "step:2", "step:1", "step:2"}, order)
}

// TestPipeline_RunOnce verifies a pipeline is a one-shot state machine.
func TestPipeline_RunOnce(t *testing.T) {
	p := buildPipeline(t, &mockReader{}, &mockWriter{}, func(b *Builder) {
		require.NoError(t, b.AddSubpipe("main", &mockStep{name: "noop"}))
	})

	require.NoError(t, p.Run(context.Background()))
	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already run")
}

// TestPipeline_Aborts verifies reader, stage, and writer failures all
// terminate the run in Aborted with a typed, batch-scoped error.
func TestPipeline_Aborts(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name    string
		reader  ports.Reader
		writer  ports.Writer
		step    *mockStep
		errorAs func(error) bool
	}{
		{
			name:   "reader error",
			reader: &mockReader{err: cause},
			writer: &mockWriter{},
			step:   &mockStep{name: "noop"},
			errorAs: func(err error) bool {
				var re *domain.ReaderError
				return errors.As(err, &re)
			},
		},
		{
			name:   "stage failure",
			reader: &mockReader{batches: []*domain.Stream{batchOf(1)}},
			writer: &mockWriter{},
			step: &mockStep{
				name:        "broken",
				executeFunc: func(context.Context, *domain.Capsule) error { return cause },
			},
			errorAs: func(err error) bool {
				var sf *domain.StageFailure
				return errors.As(err, &sf)
			},
		},
		{
			name:   "writer error",
			reader: &mockReader{batches: []*domain.Stream{batchOf(1)}},
			writer: &mockWriter{err: cause},
			step:   &mockStep{name: "noop"},
			errorAs: func(err error) bool {
				var we *domain.WriterError
				return errors.As(err, &we)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := buildPipeline(t, tt.reader, tt.writer, func(b *Builder) {
				require.NoError(t, b.AddSubpipe("main", tt.step))
			})

			err := p.Run(context.Background())
			require.Error(t, err)
			assert.True(t, tt.errorAs(err), "unexpected error kind: %v", err)
			assert.ErrorIs(t, err, cause)
			assert.Equal(t, PipelineAborted, p.State())
		})
	}
}

// TestBuilder_Validation covers the build-time invariants.
func TestBuilder_Validation(t *testing.T) {
	t.Run("rejects invalid settings", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.OnCapsuleError = "retry"
		_, err := NewBuilder(cfg)
		assert.Error(t, err)
	})

	t.Run("requires reader writer and a stage", func(t *testing.T) {
		b, err := NewBuilder(DefaultConfig())
		require.NoError(t, err)

		_, err = b.Build()
		assert.ErrorContains(t, err, "reader")

		b.WithReader(&mockReader{})
		_, err = b.Build()
		assert.ErrorContains(t, err, "writer")

		b.WithWriter(&mockWriter{})
		_, err = b.Build()
		assert.ErrorContains(t, err, "stage")
	})

	t.Run("rejects duplicate stage names", func(t *testing.T) {
		b, err := NewBuilder(DefaultConfig())
		require.NoError(t, err)
		require.NoError(t, b.AddSubpipe("main", &mockStep{name: "a"}))
		assert.Error(t, b.AddBag("main", &mockStep{name: "b"}))
	})

	t.Run("rejects steps that fail validation", func(t *testing.T) {
		b, err := NewBuilder(DefaultConfig())
		require.NoError(t, err)
		bad := &mockStep{name: "bad", validateErr: errors.New("missing field")}
		assert.ErrorContains(t, b.AddSubpipe("main", bad), "missing field")
	})

	t.Run("freezes after build", func(t *testing.T) {
		b, err := NewBuilder(DefaultConfig())
		require.NoError(t, err)
		b.WithReader(&mockReader{}).WithWriter(&mockWriter{})
		require.NoError(t, b.AddSubpipe("main", &mockStep{name: "a"}))
		_, err = b.Build()
		require.NoError(t, err)

		assert.Error(t, b.AddSubpipe("late", &mockStep{name: "b"}))
		_, err = b.Build()
		assert.Error(t, err)
	})

	t.Run("abort policy reaches stages", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.OnCapsuleError = OnCapsuleErrorAbort
		b, err := NewBuilder(cfg)
		require.NoError(t, err)
		b.WithReader(&mockReader{batches: []*domain.Stream{batchOf(1)}}).
			WithWriter(&mockWriter{})
		require.NoError(t, b.AddSubpipe("main", &mockStep{
			name: "picky",
			executeFunc: func(_ context.Context, c *domain.Capsule) error {
				return domain.NewCapsuleError(c.ID(), "picky", errors.New("bad"))
			},
		}))
		p, err := b.Build()
		require.NoError(t, err)

		require.Error(t, p.Run(context.Background()))
		assert.Equal(t, PipelineAborted, p.State())
	})
}
