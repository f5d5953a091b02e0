// Package application contains the execution engine: the ordered and
// unordered stage implementations, the pipeline orchestrator, and the
// build-time composition surface (builder, config, loader, registry).
package application

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fennic/recpipe/internal/domain"
	"github.com/fennic/recpipe/internal/ports"
)

// Compile-time interface check.
var _ ports.Stage = (*Subpipe)(nil)

// Subpipe is the ordered composition of steps. It applies its members to the
// stream strictly in declared order: for each step, the stream is traversed
// in its current order and the step is applied to every capsule before the
// next step begins. If step B is declared after step A, every capsule has
// completed A's effects before B observes it. Use a subpipe whenever steps
// have field-level dependencies.
type Subpipe struct {
	// id is the unique identifier for this subpipe within the pipeline,
	// used in error reporting and metrics.
	id string
	// steps is the declared, ordered member list.
	steps []ports.Step
	// nameSet tracks member names for O(1) duplicate detection.
	nameSet map[string]struct{}
	// abortOnCapsuleError promotes capsule-scoped failures to stage
	// failures, per the pipeline's OnCapsuleError setting.
	abortOnCapsuleError bool
	// state holds the stage lifecycle state.
	state atomic.Int32
	// tracer is the OpenTelemetry tracer for observability.
	tracer trace.Tracer
}

// SubpipeOption configures a subpipe at construction time.
type SubpipeOption func(*Subpipe)

// SubpipeAbortOnCapsuleError makes any capsule-scoped failure abort the
// whole stage instead of flagging the one capsule.
func SubpipeAbortOnCapsuleError() SubpipeOption {
	return func(sp *Subpipe) { sp.abortOnCapsuleError = true }
}

// NewSubpipe creates an empty ordered stage with the given identifier.
func NewSubpipe(id string, opts ...SubpipeOption) *Subpipe {
	sp := &Subpipe{
		id:      id,
		steps:   make([]ports.Step, 0),
		nameSet: make(map[string]struct{}),
		tracer:  otel.Tracer("subpipe"),
	}
	for _, opt := range opts {
		opt(sp)
	}
	return sp
}

// ID returns the unique string identifier for this subpipe.
func (sp *Subpipe) ID() string { return sp.id }

// State returns the stage's current lifecycle state.
func (sp *Subpipe) State() ports.StageState {
	return ports.StageState(sp.state.Load())
}

// Add appends a step to the end of the declared order. Add returns an error
// if the step is nil or a member with the same name already exists.
func (sp *Subpipe) Add(step ports.Step) error {
	if step == nil {
		return fmt.Errorf("cannot add nil step to subpipe %s", sp.id)
	}
	name := step.Name()
	if _, exists := sp.nameSet[name]; exists {
		return fmt.Errorf("step %s already exists in subpipe %s", name, sp.id)
	}
	sp.steps = append(sp.steps, step)
	sp.nameSet[name] = struct{}{}
	return nil
}

// Steps returns the declared member order. The returned slice is a copy.
func (sp *Subpipe) Steps() []ports.Step {
	out := make([]ports.Step, len(sp.steps))
	copy(out, sp.steps)
	return out
}

// Run processes the stream through every member step in declared order,
// skipping capsules flagged as errored. Capsule-scoped failures flag their
// capsule and do not fail the stage unless abort-on-capsule-error is set.
func (sp *Subpipe) Run(ctx context.Context, stream *domain.Stream) error {
	sp.state.Store(int32(ports.StageRunning))

	ctx, span := sp.tracer.Start(ctx, "Subpipe.Run",
		trace.WithAttributes(
			attribute.String("stage.id", sp.id),
			attribute.Int("batch.size", stream.Len()),
		))
	defer span.End()

	// Iterate over a snapshot, not the stream's shared cursor: a step is
	// free to traverse the stream itself (a memoized compute walking the
	// batch, say) without perturbing the stage's own traversal.
	for _, step := range sp.steps {
		if bs, ok := step.(ports.BatchStep); ok {
			bs.Bind(stream)
		}

		for _, c := range stream.Capsules() {
			select {
			case <-ctx.Done():
				sp.state.Store(int32(ports.StageFailed))
				return ctx.Err()
			default:
			}

			if c.Errored() {
				continue
			}

			if err := applyStep(ctx, step, c, sp.abortOnCapsuleError); err != nil {
				sp.state.Store(int32(ports.StageFailed))
				return fmt.Errorf("subpipe %s: step %s: %w", sp.id, step.Name(), err)
			}
		}
	}

	stream.Rewind()
	sp.state.Store(int32(ports.StageCompleted))
	return nil
}

// applyStep executes one step on one capsule and resolves the failure kind:
// a capsule-scoped failure flags the capsule and returns nil unless the
// stage is configured to abort on capsule errors; anything else is a stage
// failure and is returned.
func applyStep(ctx context.Context, step ports.Step, c *domain.Capsule, abortOnCapsuleError bool) error {
	err := step.Execute(ctx, c)
	if err == nil {
		return nil
	}
	if domain.IsCapsuleError(err) {
		c.Fail(err)
		if abortOnCapsuleError {
			return err
		}
		return nil
	}
	return err
}
