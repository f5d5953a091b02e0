package application

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fennic/recpipe/internal/domain"
	"github.com/fennic/recpipe/internal/ports"
)

// Compile-time interface check.
var _ ports.Stage = (*Bag)(nil)

// DispatchMode selects how a bag distributes work across its worker pool.
type DispatchMode string

const (
	// DispatchByCapsule partitions the stream's capsules across workers;
	// each worker runs every member step on its capsule, so no capsule's
	// record is ever written concurrently. This is the default.
	DispatchByCapsule DispatchMode = "capsule"

	// DispatchByStep runs each member step over the whole stream in its own
	// worker. Steps write into per-step shadow records which are reconciled
	// into the base record by the bag's merge strategy once all members
	// finish. Steps in this mode read the pre-bag record state only.
	DispatchByStep DispatchMode = "step"
)

// Bag is the unordered composition of steps declared mutually independent.
// No ordering is guaranteed between members or across capsules, which makes
// the bag eligible for parallel execution over a bounded worker pool.
// Members must not write overlapping output-record fields; an observed
// overlap is a contract violation, logged as a warning and never fatal.
type Bag struct {
	// id is the unique identifier for this bag within the pipeline.
	id string
	// steps is the member set, held in declared order only so that shadow
	// merging and violation reports are deterministic.
	steps []ports.Step
	// nameSet tracks member names for O(1) duplicate detection.
	nameSet map[string]struct{}
	// workers bounds the worker pool; 1 means sequential execution.
	workers int
	// dispatch selects the work distribution mode.
	dispatch DispatchMode
	// merge reconciles shadow records in step-dispatch mode.
	merge ports.MergeStrategy
	// abortOnCapsuleError promotes capsule-scoped failures to stage failures.
	abortOnCapsuleError bool
	// logger reports contract violations and lifecycle events.
	logger *zap.Logger
	// state holds the stage lifecycle state.
	state atomic.Int32
	// tracer is the OpenTelemetry tracer for observability.
	tracer trace.Tracer
}

// BagOption configures a bag at construction time.
type BagOption func(*Bag)

// BagWorkers bounds the bag's worker pool. Values below 1 fall back to 1,
// which disables parallelism.
func BagWorkers(n int) BagOption {
	return func(b *Bag) {
		if n >= 1 {
			b.workers = n
		}
	}
}

// BagDispatch selects the work distribution mode.
func BagDispatch(mode DispatchMode) BagOption {
	return func(b *Bag) { b.dispatch = mode }
}

// BagMergeStrategy overrides the append-merge used to reconcile shadow
// records in step-dispatch mode.
func BagMergeStrategy(strategy ports.MergeStrategy) BagOption {
	return func(b *Bag) { b.merge = strategy }
}

// BagAbortOnCapsuleError makes any capsule-scoped failure abort the whole
// stage instead of flagging the one capsule.
func BagAbortOnCapsuleError() BagOption {
	return func(b *Bag) { b.abortOnCapsuleError = true }
}

// BagLogger sets the logger used for contract-violation warnings.
func BagLogger(logger *zap.Logger) BagOption {
	return func(b *Bag) { b.logger = logger }
}

// NewBag creates an empty unordered stage with the given identifier,
// sequential by default.
func NewBag(id string, opts ...BagOption) *Bag {
	b := &Bag{
		id:       id,
		steps:    make([]ports.Step, 0),
		nameSet:  make(map[string]struct{}),
		workers:  1,
		dispatch: DispatchByCapsule,
		merge:    AppendMerge{},
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("bag"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ID returns the unique string identifier for this bag.
func (b *Bag) ID() string { return b.id }

// State returns the stage's current lifecycle state.
func (b *Bag) State() ports.StageState {
	return ports.StageState(b.state.Load())
}

// Add includes a step in the bag's member set. Add returns an error if the
// step is nil or a member with the same name already exists.
func (b *Bag) Add(step ports.Step) error {
	if step == nil {
		return fmt.Errorf("cannot add nil step to bag %s", b.id)
	}
	name := step.Name()
	if _, exists := b.nameSet[name]; exists {
		return fmt.Errorf("step %s already exists in bag %s", name, b.id)
	}
	b.steps = append(b.steps, step)
	b.nameSet[name] = struct{}{}
	return nil
}

// Steps returns the member steps. The order carries no execution meaning.
func (b *Bag) Steps() []ports.Step {
	out := make([]ports.Step, len(b.steps))
	copy(out, b.steps)
	return out
}

// Run processes the stream through every member step with no inter-step
// ordering guarantees, using the configured dispatch mode and worker bound.
// For steps writing disjoint fields the final record for each capsule is
// identical regardless of mode, order, or parallelism.
func (b *Bag) Run(ctx context.Context, stream *domain.Stream) error {
	b.state.Store(int32(ports.StageRunning))

	ctx, span := b.tracer.Start(ctx, "Bag.Run",
		trace.WithAttributes(
			attribute.String("stage.id", b.id),
			attribute.String("stage.dispatch", string(b.dispatch)),
			attribute.Int("stage.workers", b.workers),
			attribute.Int("batch.size", stream.Len()),
		))
	defer span.End()

	for _, step := range b.steps {
		if bs, ok := step.(ports.BatchStep); ok {
			bs.Bind(stream)
		}
	}

	writes := newWriteTracker(len(b.steps))

	var err error
	switch b.dispatch {
	case DispatchByStep:
		err = b.runByStep(ctx, stream, writes)
	default:
		err = b.runByCapsule(ctx, stream, writes)
	}
	if err != nil {
		b.state.Store(int32(ports.StageFailed))
		return fmt.Errorf("bag %s: %w", b.id, err)
	}

	b.reportViolations(writes)
	stream.Rewind()
	b.state.Store(int32(ports.StageCompleted))
	return nil
}

// runByCapsule partitions capsules across the worker pool; each worker runs
// every member step on its capsule, so a capsule's record has exactly one
// writer at a time.
func (b *Bag) runByCapsule(ctx context.Context, stream *domain.Stream, writes *writeTracker) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)

	for _, c := range stream.Capsules() {
		if c.Errored() {
			continue
		}
		g.Go(func() error {
			for i, step := range b.steps {
				if err := ctx.Err(); err != nil {
					return err
				}
				before := snapshotRecord(c.Record())
				if err := applyStep(ctx, step, c, b.abortOnCapsuleError); err != nil {
					return fmt.Errorf("step %s: %w", step.Name(), err)
				}
				writes.observeDiff(i, before, c.Record())
			}
			return nil
		})
	}

	return g.Wait()
}

// runByStep runs each member step over the whole stream in its own worker.
// Steps write into per-step shadow records; once every member finishes, the
// shadows are folded into each capsule's base record in declared order by
// the merge strategy, keeping the result deterministic.
func (b *Bag) runByStep(ctx context.Context, stream *domain.Stream, writes *writeTracker) error {
	capsules := stream.Capsules()

	// shadows[step][capsule] holds the fields that step wrote for that
	// capsule during this batch.
	shadows := make([][]*domain.Capsule, len(b.steps))
	for i := range shadows {
		shadows[i] = make([]*domain.Capsule, len(capsules))
		for j, c := range capsules {
			shadows[i][j] = c.Shadow()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)

	for i, step := range b.steps {
		g.Go(func() error {
			for j, c := range capsules {
				if err := gctx.Err(); err != nil {
					return err
				}
				if c.Errored() {
					continue
				}
				shadow := shadows[i][j]
				err := step.Execute(gctx, shadow)
				if err == nil {
					continue
				}
				if domain.IsCapsuleError(err) {
					c.Fail(err)
					if b.abortOnCapsuleError {
						return fmt.Errorf("step %s: %w", step.Name(), err)
					}
					continue
				}
				return fmt.Errorf("step %s: %w", step.Name(), err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	// Reconcile: fold each capsule's shadow records into its base record in
	// declared step order.
	for j, c := range capsules {
		if c.Errored() {
			continue
		}
		perCapsule := make([]*domain.Record, len(b.steps))
		for i := range b.steps {
			rec := shadows[i][j].Record()
			perCapsule[i] = rec
			for _, field := range rec.Fields() {
				writes.observe(i, field)
			}
		}
		if err := b.merge.Merge(c.Record(), perCapsule); err != nil {
			return fmt.Errorf("merge: %w", err)
		}
	}

	return nil
}

// reportViolations logs a warning for every pair of members observed writing
// the same output-record field during this batch. The behavior is undefined
// but not fatal; both values are kept by append semantics.
func (b *Bag) reportViolations(writes *writeTracker) {
	for _, v := range writes.violations() {
		b.logger.Warn("bag members wrote overlapping output-record fields",
			zap.String("bag", b.id),
			zap.String("step_a", b.steps[v.a].Name()),
			zap.String("step_b", b.steps[v.b].Name()),
			zap.Strings("fields", v.fields),
			zap.Error(domain.ErrContractViolation),
		)
	}
}

// AppendMerge is the default merge strategy: shadow records are folded into
// the base record with Record.Merge, concatenating field sequences in shadow
// order so no value is ever dropped.
type AppendMerge struct{}

// Merge implements ports.MergeStrategy.
func (AppendMerge) Merge(base *domain.Record, shadows []*domain.Record) error {
	for _, shadow := range shadows {
		if err := base.Merge(shadow); err != nil {
			return err
		}
	}
	return nil
}

// writeTracker accumulates, per member step, the set of output-record fields
// the step wrote during one batch. It backs the bag's best-effort contract
// violation detection.
type writeTracker struct {
	mu     sync.Mutex
	fields []map[string]struct{}
}

func newWriteTracker(steps int) *writeTracker {
	t := &writeTracker{fields: make([]map[string]struct{}, steps)}
	for i := range t.fields {
		t.fields[i] = make(map[string]struct{})
	}
	return t
}

// observe records that step wrote field.
func (t *writeTracker) observe(step int, field string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fields[step][field] = struct{}{}
}

// observeDiff records every field whose value sequence grew or appeared
// between the before snapshot and the record's current state.
func (t *writeTracker) observeDiff(step int, before map[string]int, after *domain.Record) {
	for _, field := range after.Fields() {
		if n, ok := before[field]; !ok || after.Len(field) != n {
			t.observe(step, field)
		}
	}
}

// violation names two steps that wrote an overlapping set of fields.
type violation struct {
	a, b   int
	fields []string
}

// violations returns every overlapping pair, with fields sorted for
// deterministic reporting.
func (t *writeTracker) violations() []violation {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []violation
	for a := 0; a < len(t.fields); a++ {
		for b := a + 1; b < len(t.fields); b++ {
			var shared []string
			for field := range t.fields[a] {
				if _, ok := t.fields[b][field]; ok {
					shared = append(shared, field)
				}
			}
			if len(shared) > 0 {
				sort.Strings(shared)
				out = append(out, violation{a: a, b: b, fields: shared})
			}
		}
	}
	return out
}

// snapshotRecord captures the value-sequence length of every present field,
// the cheapest signal that distinguishes a step's writes from prior state.
func snapshotRecord(r *domain.Record) map[string]int {
	snap := make(map[string]int)
	for _, field := range r.Fields() {
		snap[field] = r.Len(field)
	}
	return snap
}
