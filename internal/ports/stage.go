package ports

import (
	"context"

	"github.com/fennic/recpipe/internal/domain"
)

// StageState describes where a stage is in its lifecycle.
type StageState int32

// Stage lifecycle states. A stage moves Pending → Running and terminates in
// either Completed or Failed.
const (
	StagePending StageState = iota
	StageRunning
	StageCompleted
	StageFailed
)

// String returns the lowercase name of the state.
func (s StageState) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageRunning:
		return "running"
	case StageCompleted:
		return "completed"
	case StageFailed:
		return "failed"
	}
	return "unknown"
}

// Stage is a composition of steps that processes one batch at a time.
// The two implementations differ in their ordering contracts: a subpipe
// executes members strictly in declared order, a bag assumes members are
// mutually independent and may run them concurrently.
type Stage interface {
	// ID returns the unique string identifier for this stage. The ID remains
	// constant throughout the stage's lifetime and is used in error
	// reporting and metrics.
	ID() string

	// Run processes the stream through this stage. Capsule-scoped failures
	// are recorded on the affected capsules and do not surface as errors;
	// any returned error means the stage could not complete and aborts the
	// pipeline.
	Run(ctx context.Context, stream *domain.Stream) error

	// State returns the stage's current lifecycle state.
	State() StageState
}

// MergeStrategy defines how per-step shadow records produced by a bag's
// parallel step dispatch are reconciled into a capsule's base record.
// Implementations must be deterministic: given the same shadows in the same
// order they must produce the same result.
type MergeStrategy interface {
	// Merge folds the shadow records into base, in order. Shadows contain
	// only the fields written by their step during the batch.
	Merge(base *domain.Record, shadows []*domain.Record) error
}
