// Package domain contains pure, dependency-light domain models for the
// record-transformation pipeline engine.
package domain

import (
	"fmt"
	"sort"
)

// Record is the accumulating output document built up for one capsule as it
// moves through the pipeline. Every field maps to an ordered sequence of
// values, even when the field is logically singular; this keeps append and
// merge semantics uniform and lossless.
//
// A Record is exclusively owned by its capsule until the capsule leaves the
// pipeline, so its methods are not synchronized. Stages that execute steps
// concurrently must never hand the same Record to two workers at once.
type Record struct {
	fields map[string][]any
}

// NewRecord creates a new empty Record ready to accept field operations.
func NewRecord() *Record {
	return &Record{fields: make(map[string][]any)}
}

// Set replaces the field's sequence with the normalized form of value:
// a scalar becomes a one-element sequence, a sequence is flattened one level.
// Set returns ErrInvalidField if the field name is empty.
func (r *Record) Set(field string, value any) error {
	if field == "" {
		return fmt.Errorf("set: %w", ErrInvalidField)
	}
	r.fields[field] = normalizeValues(value)
	return nil
}

// Append concatenates the normalized form of value onto the field's existing
// sequence, creating the field if absent. A nested sequence is flattened one
// level before concatenation; no value is ever dropped. Appending an empty
// sequence is a no-op.
// Append returns ErrInvalidField if the field name is empty.
func (r *Record) Append(field string, value any) error {
	if field == "" {
		return fmt.Errorf("append: %w", ErrInvalidField)
	}
	vals := normalizeValues(value)
	if len(vals) == 0 {
		return nil
	}
	r.fields[field] = append(r.fields[field], vals...)
	return nil
}

// Get returns the field's value sequence. An absent field yields an empty
// sequence, never an error. The returned slice is a copy and safe to modify.
func (r *Record) Get(field string) []any {
	vals, ok := r.fields[field]
	if !ok {
		return []any{}
	}
	out := make([]any, len(vals))
	copy(out, vals)
	return out
}

// Has reports whether the field is present, even with an empty sequence.
func (r *Record) Has(field string) bool {
	_, ok := r.fields[field]
	return ok
}

// Delete removes the field entirely. Deleting an absent field is a no-op.
// Delete returns ErrInvalidField if the field name is empty.
func (r *Record) Delete(field string) error {
	if field == "" {
		return fmt.Errorf("delete: %w", ErrInvalidField)
	}
	delete(r.fields, field)
	return nil
}

// Merge combines other into this record field by field: for each field
// present in either record, the resulting sequence is this record's sequence
// followed by other's. Merge never drops data; it exists to reconcile output
// produced for the same capsule by independent parallel steps.
// Merge is associative but not commutative. A nil other is a no-op.
//
// Other's sequences are concatenated verbatim: they are already in stored
// form, so re-normalizing here would flatten slice-valued elements a second
// time and lose structure.
func (r *Record) Merge(other *Record) error {
	if other == nil {
		return nil
	}
	for _, field := range other.Fields() {
		if field == "" {
			return fmt.Errorf("merge: %w", ErrInvalidField)
		}
		vals := other.fields[field]
		if len(vals) == 0 {
			continue
		}
		r.fields[field] = append(r.fields[field], vals...)
	}
	return nil
}

// Fields returns the names of all present fields in sorted order so that
// merge and serialization behave deterministically.
func (r *Record) Fields() []string {
	names := make([]string, 0, len(r.fields))
	for name := range r.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of values stored under the field.
func (r *Record) Len(field string) int { return len(r.fields[field]) }

// Clone returns a deep-enough copy of the record: the field map and value
// sequences are copied, the values themselves are shared.
func (r *Record) Clone() *Record {
	clone := NewRecord()
	for name, vals := range r.fields {
		copied := make([]any, len(vals))
		copy(copied, vals)
		clone.fields[name] = copied
	}
	return clone
}

// String returns a debugging representation of the record.
func (r *Record) String() string {
	return fmt.Sprintf("Record%v", r.fields)
}

// normalizeValues converts an arbitrary value into the flat sequence form
// stored in a Record: nil becomes empty, a []any is flattened one level,
// and any other value becomes a one-element sequence.
func normalizeValues(value any) []any {
	switch v := value.(type) {
	case nil:
		return []any{}
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			if inner, ok := item.([]any); ok {
				out = append(out, inner...)
				continue
			}
			out = append(out, item)
		}
		return out
	default:
		return []any{value}
	}
}
