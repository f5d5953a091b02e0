package domain

import "sync"

// Store is the minimal key/value scratch cache used both as a capsule's
// private cache and, with the identical contract, as a stream's batch-scoped
// cache. Values are not persisted beyond the owner's lifetime and there are
// no ordering guarantees across keys.
//
// The batch-scoped instance is mutated concurrently by bag workers, so all
// operations are safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewStore creates a new empty Store.
func NewStore() *Store {
	return &Store{values: make(map[string]any)}
}

// Set stores value under key, replacing any existing value.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get retrieves the value stored under key. An absent key yields
// (nil, false) rather than an error.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok
}

// Append pushes value onto the sequence stored under key. An absent key is
// created as a one-element sequence; an existing non-sequence value is
// coerced into a sequence before the push.
func (s *Store) Append(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.values[key]
	if !ok {
		s.values[key] = []any{value}
		return
	}
	seq, ok := existing.([]any)
	if !ok {
		seq = []any{existing}
	}
	s.values[key] = append(seq, value)
}

// Drop removes key from the store. Dropping an absent key is a no-op.
func (s *Store) Drop(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Len returns the number of keys currently stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
