package application

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fennic/recpipe/internal/domain"
	"github.com/fennic/recpipe/internal/ports"
)

const holdingsDefinition = `
version: "1.0.0"
metadata:
  name: holdings-normalizer
  description: Normalizes titles and stamps provenance.
  tags: [bibliographic]
settings:
  worker_pool_size: 2
steps:
  - id: stamp_source
    type: set
    parameters:
      field: source
      value: "catalog-a"
  - id: clean_title
    type: normalize
    parameters:
      field: title
      lowercase: true
      collapse_whitespace: true
stages:
  - name: prepare
    kind: bag
    steps: [stamp_source]
  - name: tidy
    kind: subpipe
    steps: [clean_title]
`

func newTestLoader(t *testing.T) *PipelineLoader {
	t.Helper()
	loader, err := NewPipelineLoader(NewDefaultStepRegistry(nil), nil)
	require.NoError(t, err)
	return loader
}

// TestLoader_Load assembles and runs a pipeline from a YAML definition.
func TestLoader_Load(t *testing.T) {
	loader := newTestLoader(t)

	stream := domain.NewStream([]*domain.Capsule{
		domain.NewCapsule(nil, domain.WithIDFunc(func(any) string { return "1" })),
	})
	require.NoError(t, stream.Capsule(0).Record().Set("title", "  The  TITLE "))

	writer := &mockWriter{}
	p, err := loader.Load([]byte(holdingsDefinition),
		&mockReader{batches: []*domain.Stream{stream}}, writer)
	require.NoError(t, err)
	require.Len(t, p.Stages(), 2)

	require.NoError(t, p.Run(context.Background()))
	require.Len(t, writer.written, 1)

	rec := writer.written[0].Capsule(0).Record()
	assert.Equal(t, []any{"catalog-a"}, rec.Get("source"))
	assert.Equal(t, []any{"the title"}, rec.Get("title"))
}

// TestLoader_LoadFromFile covers the file entry point.
func TestLoader_LoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(holdingsDefinition), 0o600))

	loader := newTestLoader(t)
	p, err := loader.LoadFromFile(path, &mockReader{}, &mockWriter{})
	require.NoError(t, err)
	assert.Equal(t, PipelineIdle, p.State())

	_, err = loader.LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"), &mockReader{}, &mockWriter{})
	assert.Error(t, err)
}

// TestLoader_InvalidDefinitions covers parse and validation failures.
func TestLoader_InvalidDefinitions(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		errText string
	}{
		{
			name:    "malformed yaml",
			mutate:  func(string) string { return "stages: [" },
			errText: "parse",
		},
		{
			name:    "bad version",
			mutate:  func(d string) string { return strings.Replace(d, `"1.0.0"`, `"one"`, 1) },
			errText: "validation failed",
		},
		{
			name:    "unknown step type",
			mutate:  func(d string) string { return strings.Replace(d, "type: set", "type: teleport", 1) },
			errText: "unknown step type",
		},
		{
			name:    "undeclared stage member",
			mutate:  func(d string) string { return strings.Replace(d, "[clean_title]", "[ghost]", 1) },
			errText: "undeclared step",
		},
		{
			name: "step missing required parameter",
			mutate: func(d string) string {
				return strings.Replace(d, "field: source", "other: source", 1)
			},
			errText: "validation failed",
		},
	}

	loader := newTestLoader(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Load([]byte(tt.mutate(holdingsDefinition)), &mockReader{}, &mockWriter{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}
}

// TestLoader_CachesDefinitions verifies repeated loads of the same definition
// validate once but still yield fresh pipeline instances, and that
// formatting-only differences hit the cache.
func TestLoader_CachesDefinitions(t *testing.T) {
	loader := newTestLoader(t)

	first, err := loader.Load([]byte(holdingsDefinition), &mockReader{}, &mockWriter{})
	require.NoError(t, err)

	// Same definition with extra surrounding whitespace.
	reformatted := "\n" + holdingsDefinition + "\n\n"
	second, err := loader.Load([]byte(reformatted), &mockReader{}, &mockWriter{})
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID(), second.RunID(),
		"Each load yields a fresh one-shot pipeline.")
	assert.Len(t, loader.cache, 1, "Formatting-only differences share one cache entry.")
}

// TestLoader_ConcurrentLoads verifies parallel loads of the same definition
// are safe and deduplicated.
func TestLoader_ConcurrentLoads(t *testing.T) {
	loader := newTestLoader(t)

	const goroutines = 16
	var wg sync.WaitGroup
	var failures atomic.Int32
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := loader.Load([]byte(holdingsDefinition), &mockReader{}, &mockWriter{}); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Len(t, loader.cache, 1)
}

// TestDefaultStepRegistry covers registration rules and the built-in types.
func TestDefaultStepRegistry(t *testing.T) {
	t.Run("builtins", func(t *testing.T) {
		r := NewDefaultStepRegistry(nil)
		assert.Equal(t, []string{"dedup", "extract", "normalize", "set"}, r.List())
	})

	t.Run("lookup registered when function provided", func(t *testing.T) {
		fn := func(context.Context, []string) (map[string]any, error) { return nil, nil }
		r := NewDefaultStepRegistry(fn)
		assert.Contains(t, r.List(), "lookup")
	})

	t.Run("register rejects duplicates and nil", func(t *testing.T) {
		r := NewDefaultStepRegistry(nil)
		factory := func(id string, _ map[string]any) (ports.Step, error) {
			return &mockStep{name: id}, nil
		}
		require.NoError(t, r.Register("custom", factory))
		assert.Error(t, r.Register("custom", factory))
		assert.Error(t, r.Register("set", factory))
		assert.Error(t, r.Register("", factory))
		assert.Error(t, r.Register("nilfactory", nil))
	})

	t.Run("create validates instances", func(t *testing.T) {
		r := NewDefaultStepRegistry(nil)

		step, err := r.Create("set", "stamp", map[string]any{"field": "source", "value": "x"})
		require.NoError(t, err)
		assert.Equal(t, "stamp", step.Name())

		_, err = r.Create("set", "stamp", map[string]any{"value": "x"})
		assert.Error(t, err, "Missing required field parameter is rejected.")

		_, err = r.Create("teleport", "t", nil)
		assert.ErrorContains(t, err, "unknown step type")
	})
}
