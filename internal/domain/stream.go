package domain

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Stream carries one batch of capsules through the pipeline. It is
// rewindable — iteration can restart from the first capsule any number of
// times within the batch's lifetime — and it owns the batch-scoped cache
// through which expensive batch-wide computations are memoized and shared
// by every step in the batch.
//
// The Next/Rewind cursor is one shared convenience iterator. Callers that
// need a traversal no other party can perturb iterate over Capsules, or
// derive their own Stream with View; the stages do exactly that, so a
// step's own cursor use never disturbs the stage driving it.
type Stream struct {
	capsules []*Capsule

	batch *batchCache

	mu  sync.Mutex
	pos int
}

// batchCache is the memoization state shared by a stream and every view
// derived from it. Memoized values are computed at most once per batch,
// even under concurrent access from bag workers, and are invalidated only
// when the batch is retired.
type batchCache struct {
	store *Store
	sf    singleflight.Group
}

// NewStream creates a stream over the given capsules in order, with a fresh
// batch cache.
func NewStream(capsules []*Capsule) *Stream {
	return &Stream{
		capsules: capsules,
		batch:    &batchCache{store: NewStore()},
	}
}

// Next returns the capsule at the cursor and advances it. It returns
// (nil, false) once the batch is exhausted; Rewind restarts iteration.
func (s *Stream) Next() (*Capsule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.capsules) {
		return nil, false
	}
	c := s.capsules[s.pos]
	s.pos++
	return c, true
}

// Rewind resets the cursor to the first capsule. Any number of traversals
// interleaved with Rewind observe the same capsules in the same order.
func (s *Stream) Rewind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = 0
}

// Len returns the number of capsules in the batch.
func (s *Stream) Len() int { return len(s.capsules) }

// Capsule returns the capsule at index i.
func (s *Stream) Capsule(i int) *Capsule { return s.capsules[i] }

// Capsules returns the batch's capsules in order. The returned slice is a
// copy and safe to modify; the capsules themselves are shared.
func (s *Stream) Capsules() []*Capsule {
	out := make([]*Capsule, len(s.capsules))
	copy(out, s.capsules)
	return out
}

// View derives a lazy filtered view of this stream containing the capsules
// for which keep returns true, in original order. The view shares the batch
// cache, so memoized values remain visible, and has its own cursor.
func (s *Stream) View(keep func(*Capsule) bool) *Stream {
	kept := make([]*Capsule, 0, len(s.capsules))
	for _, c := range s.capsules {
		if keep(c) {
			kept = append(kept, c)
		}
	}
	return &Stream{capsules: kept, batch: s.batch}
}

// Active returns the view of capsules not flagged by a capsule-scoped
// failure. Stages and writers operate on this view.
func (s *Stream) Active() *Stream {
	return s.View(func(c *Capsule) bool { return !c.Errored() })
}

// Cache returns the batch-scoped cache shared by all capsules and steps in
// this batch, including all derived views.
func (s *Stream) Cache() *Store { return s.batch.store }

// Memoize returns the batch-scoped value stored under key, computing it with
// compute on first use. The computation runs at most once per key per batch:
// concurrent callers for the same key block until the single in-flight
// computation completes and then share its result. A failed computation is
// not cached, so a later call may retry.
func (s *Stream) Memoize(key string, compute func() (any, error)) (any, error) {
	if value, ok := s.batch.store.Get(key); ok {
		return value, nil
	}
	value, err, _ := s.batch.sf.Do(key, func() (any, error) {
		// Re-check under singleflight to close the race between the cache
		// probe and group entry.
		if value, ok := s.batch.store.Get(key); ok {
			return value, nil
		}
		value, err := compute()
		if err != nil {
			return nil, err
		}
		s.batch.store.Set(key, value)
		return value, nil
	})
	return value, err
}

// MemoizeAs is the typed form of Stream.Memoize for batch accessors built on
// top of memoization, such as a lookup table keyed by capsule ID.
func MemoizeAs[T any](s *Stream, key string, compute func() (T, error)) (T, error) {
	value, err := s.Memoize(key, func() (any, error) { return compute() })
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("memoized value for %q has type %T, not %T", key, value, zero)
	}
	return typed, nil
}
