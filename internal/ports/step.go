// Package ports defines the core interfaces that form the contract between
// the domain/application layers and the infrastructure layer.
// These interfaces enable dependency inversion and make the system testable.
package ports

import (
	"context"

	"github.com/fennic/recpipe/internal/domain"
)

// Step is the atomic transformation of the pipeline: capsule in, capsule
// out. A step's side effects are limited to the capsule's own output record
// and cache, plus the stream's batch cache when it participates in
// memoization. Steps must not retain a capsule, or any reference into it,
// beyond their own invocation.
//
// Steps must be stateless and safe for concurrent execution: a bag may run
// the same step on many capsules from multiple workers at once.
type Step interface {
	// Name returns a unique identifier for this step, used for logging,
	// error reporting, and configuration.
	Name() string

	// Execute applies the step's transformation to the capsule. Returning a
	// *domain.CapsuleError flags only this capsule as errored and leaves the
	// rest of the batch unaffected; any other error fails the enclosing
	// stage. Execute should respect context cancellation and return promptly.
	Execute(ctx context.Context, c *domain.Capsule) error

	// Validate checks that the step is properly configured and ready for
	// execution. It is called during pipeline construction.
	Validate() error
}

// BatchStep is implemented by steps that operate on the stream as a whole,
// typically to seed batch-scoped memoized values before their per-capsule
// work. Stages call Bind with the current stream before executing the step
// on any capsule of that batch.
type BatchStep interface {
	Step

	// Bind hands the step the stream of the batch about to be processed.
	// It is the only point where a step may read other capsules' records:
	// stages call Bind before any worker starts writing, so batch-wide
	// state (a dedup index, a set of lookup keys) must be captured here.
	// Stages iterate over their own snapshot of the batch, so a step may
	// traverse the stream's cursor freely without perturbing the stage.
	Bind(stream *domain.Stream)
}
