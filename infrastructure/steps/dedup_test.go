package steps

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fennic/recpipe/internal/domain"
)

// dedupStream builds a stream whose capsules carry the given titles.
func dedupStream(t *testing.T, titles ...string) *domain.Stream {
	t.Helper()
	stream := testStream(len(titles))
	for i, title := range titles {
		require.NoError(t, stream.Capsule(i).Record().Set("title", title))
	}
	return stream
}

// runDedup binds the step and executes it on every capsule in order.
func runDedup(t *testing.T, step *DedupStep, stream *domain.Stream) {
	t.Helper()
	step.Bind(stream)
	for _, c := range stream.Capsules() {
		require.NoError(t, step.Execute(context.Background(), c))
	}
}

func TestDedupStep_ExactMatch(t *testing.T) {
	step, err := NewDedupStep("dupes", DedupConfig{Field: "title"})
	require.NoError(t, err)

	stream := dedupStream(t, "Moby Dick", "The Whale", "Moby Dick")
	runDedup(t, step, stream)

	assert.False(t, stream.Capsule(0).Record().Has("duplicate_of"),
		"First occurrences are never flagged.")
	assert.False(t, stream.Capsule(1).Record().Has("duplicate_of"))
	assert.Equal(t, []any{"1"}, stream.Capsule(2).Record().Get("duplicate_of"),
		"A duplicate points at the earliest matching capsule.")
}

func TestDedupStep_FuzzyMatch(t *testing.T) {
	step, err := NewDedupStep("dupes", DedupConfig{Field: "title", MaxDistance: 2})
	require.NoError(t, err)

	stream := dedupStream(t, "Moby Dick", "Moby Dik", "Omoo")
	runDedup(t, step, stream)

	assert.Equal(t, []any{"1"}, stream.Capsule(1).Record().Get("duplicate_of"),
		"Distance 1 is within the configured threshold.")
	assert.False(t, stream.Capsule(2).Record().Has("duplicate_of"))
}

func TestDedupStep_ZeroDistanceIsExactOnly(t *testing.T) {
	step, err := NewDedupStep("dupes", DedupConfig{Field: "title"})
	require.NoError(t, err)

	stream := dedupStream(t, "Moby Dick", "Moby Dik")
	runDedup(t, step, stream)

	assert.False(t, stream.Capsule(1).Record().Has("duplicate_of"))
}

func TestDedupStep_CustomTarget(t *testing.T) {
	step, err := NewDedupStep("dupes", DedupConfig{Field: "title", Target: "same_as"})
	require.NoError(t, err)

	stream := dedupStream(t, "Typee", "Typee")
	runDedup(t, step, stream)

	assert.Equal(t, []any{"1"}, stream.Capsule(1).Record().Get("same_as"))
}

func TestDedupStep_SkipsCapsulesWithoutKey(t *testing.T) {
	step, err := NewDedupStep("dupes", DedupConfig{Field: "title"})
	require.NoError(t, err)

	stream := testStream(3)
	require.NoError(t, stream.Capsule(0).Record().Set("title", "Typee"))
	// Capsule 2 has no title; capsule 3 has a non-string one.
	require.NoError(t, stream.Capsule(2).Record().Set("title", 42))
	runDedup(t, step, stream)

	for _, c := range stream.Capsules() {
		assert.False(t, c.Record().Has("duplicate_of"))
	}
}

func TestDedupStep_IndexFrozenAtBind(t *testing.T) {
	step, err := NewDedupStep("dupes", DedupConfig{Field: "title"})
	require.NoError(t, err)

	stream := dedupStream(t, "Typee", "Omoo", "Typee")
	step.Bind(stream)
	require.NoError(t, step.Execute(context.Background(), stream.Capsule(2)))

	// Retitling after Bind must not change the outcome: the comparison
	// index is captured once, before execution starts, and never re-reads
	// other capsules' records.
	require.NoError(t, stream.Capsule(0).Record().Set("title", "Mardi"))
	require.NoError(t, step.Execute(context.Background(), stream.Capsule(1)))

	assert.Equal(t, []any{"1"}, stream.Capsule(2).Record().Get("duplicate_of"))
	assert.False(t, stream.Capsule(1).Record().Has("duplicate_of"))
}

func TestDedupStep_ConcurrentExecution(t *testing.T) {
	step, err := NewDedupStep("dupes", DedupConfig{Field: "title"})
	require.NoError(t, err)

	titles := make([]string, 16)
	for i := range titles {
		titles[i] = "Typee"
	}
	stream := dedupStream(t, titles...)
	step.Bind(stream)

	// After Bind the step reads only the frozen index and each worker's own
	// capsule, so parallel dispatch over distinct capsules is safe.
	var wg sync.WaitGroup
	for _, c := range stream.Capsules() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, step.Execute(context.Background(), c))
		}()
	}
	wg.Wait()

	assert.False(t, stream.Capsule(0).Record().Has("duplicate_of"))
	for _, c := range stream.Capsules()[1:] {
		assert.Equal(t, []any{"1"}, c.Record().Get("duplicate_of"))
	}
}

func TestDedupStep_RequiresBoundStream(t *testing.T) {
	step, err := NewDedupStep("dupes", DedupConfig{Field: "title"})
	require.NoError(t, err)

	err = step.Execute(context.Background(), testCapsule("1", nil))
	assert.ErrorContains(t, err, "without a bound stream")
}

func TestCreateDedupStep(t *testing.T) {
	step, err := CreateDedupStep("dupes", map[string]any{
		"field":        "title",
		"target":       "same_as",
		"max_distance": 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "dupes", step.Name())

	_, err = CreateDedupStep("dupes", map[string]any{"max_distance": 99})
	assert.Error(t, err)
}
