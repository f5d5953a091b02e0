package domain

import (
	"sync"

	"github.com/google/uuid"
)

// IDFunc derives a stable identifier from an input record.
type IDFunc func(input any) string

// RecordFactory produces the output record a new capsule starts with.
type RecordFactory func() *Record

// CacheFactory produces the private cache a new capsule starts with.
type CacheFactory func() *Store

// Capsule is the unit of work flowing through the pipeline: one immutable
// input record paired with its accumulating output record and private cache.
// The output record and cache are exclusively owned by the capsule until it
// leaves the pipeline.
type Capsule struct {
	input  any
	record *Record
	cache  *Store

	idFunc IDFunc
	idOnce sync.Once
	id     string

	mu  sync.Mutex
	err error
}

// CapsuleOption configures a capsule at construction time.
type CapsuleOption func(*Capsule)

// WithIDFunc supplies the identifier function applied lazily to the input
// record the first time ID is called.
func WithIDFunc(fn IDFunc) CapsuleOption {
	return func(c *Capsule) { c.idFunc = fn }
}

// WithRecordFactory overrides the default empty output-record factory.
func WithRecordFactory(fn RecordFactory) CapsuleOption {
	return func(c *Capsule) { c.record = fn() }
}

// WithCacheFactory overrides the default empty cache factory.
func WithCacheFactory(fn CacheFactory) CapsuleOption {
	return func(c *Capsule) { c.cache = fn() }
}

// NewCapsule creates a capsule wrapping the given input record with an empty
// output record and cache unless overridden by options.
func NewCapsule(input any, opts ...CapsuleOption) *Capsule {
	c := &Capsule{
		input:  input,
		record: NewRecord(),
		cache:  NewStore(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Input returns the capsule's immutable input record. Steps must never
// mutate the returned value.
func (c *Capsule) Input() any { return c.input }

// Record returns the capsule's output record.
func (c *Capsule) Record() *Record { return c.record }

// Cache returns the capsule's private cache.
func (c *Capsule) Cache() *Store { return c.cache }

// ID returns the capsule's derived identifier. It is computed at most once,
// from the configured IDFunc when present and a generated UUID otherwise,
// and is stable for the capsule's lifetime.
func (c *Capsule) ID() string {
	c.idOnce.Do(func() {
		if c.idFunc != nil {
			c.id = c.idFunc(c.input)
		}
		if c.id == "" {
			c.id = uuid.NewString()
		}
	})
	return c.id
}

// Shadow returns a capsule that shares this capsule's input record,
// identifier, and private cache but writes into a fresh, empty output
// record. Bags use shadows to let independent steps produce separate
// representations of the same capsule's output, reconciled afterwards by a
// merge strategy.
func (c *Capsule) Shadow() *Capsule {
	id := c.ID()
	return &Capsule{
		input:  c.input,
		record: NewRecord(),
		cache:  c.cache,
		idFunc: func(any) string { return id },
	}
}

// Fail flags the capsule as errored, excluding it from subsequent steps and
// from the writer. Only the first failure is retained.
func (c *Capsule) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Errored reports whether the capsule has been flagged by a capsule-scoped
// failure.
func (c *Capsule) Errored() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err != nil
}

// Err returns the capsule-scoped failure, or nil.
func (c *Capsule) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
