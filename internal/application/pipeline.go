package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fennic/recpipe/internal/domain"
	"github.com/fennic/recpipe/internal/ports"
)

// PipelineState describes where a pipeline is in its lifecycle.
type PipelineState int32

// Pipeline lifecycle states. A pipeline moves Idle → Running and terminates
// in either Completed or Aborted.
const (
	PipelineIdle PipelineState = iota
	PipelineRunning
	PipelineCompleted
	PipelineAborted
)

// String returns the lowercase name of the state.
func (s PipelineState) String() string {
	switch s {
	case PipelineIdle:
		return "idle"
	case PipelineRunning:
		return "running"
	case PipelineCompleted:
		return "completed"
	case PipelineAborted:
		return "aborted"
	}
	return "unknown"
}

// Pipeline is the top-level orchestrator: it pulls batches from the reader,
// runs each batch through the declared ordered list of stages, and hands the
// finished batch to the writer. Data flows strictly batch by batch; a batch
// is fully processed by one stage before the next stage begins.
//
// Pipelines are built through Builder or PipelineLoader and run exactly
// once. Any stage failure, reader error, or writer error aborts the run;
// retry policy, if any, belongs to the reader and writer implementations.
type Pipeline struct {
	runID   string
	stages  []ports.Stage
	reader  ports.Reader
	writer  ports.Writer
	logger  *zap.Logger
	metrics ports.MetricsCollector
	tracer  trace.Tracer
	state   atomic.Int32
}

// RunID returns the unique identifier generated for this pipeline instance,
// used to correlate logs and traces of one run.
func (p *Pipeline) RunID() string { return p.runID }

// State returns the pipeline's current lifecycle state.
func (p *Pipeline) State() PipelineState {
	return PipelineState(p.state.Load())
}

// Stages returns the declared stage order. The returned slice is a copy.
func (p *Pipeline) Stages() []ports.Stage {
	out := make([]ports.Stage, len(p.stages))
	copy(out, p.stages)
	return out
}

// Run drives the pipeline until the reader signals end-of-input or a fatal
// failure occurs. It returns nil on a completed run and the aborting error,
// naming the batch and stage, otherwise. Run may be called once; subsequent
// calls return an error.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(PipelineIdle), int32(PipelineRunning)) {
		return fmt.Errorf("pipeline already run (state %s)", p.State())
	}

	ctx, span := p.tracer.Start(ctx, "Pipeline.Run",
		trace.WithAttributes(attribute.String("pipeline.run_id", p.runID)))
	defer span.End()

	p.logger.Info("pipeline started",
		zap.String("run_id", p.runID),
		zap.Int("stages", len(p.stages)),
	)

	for batch := 0; ; batch++ {
		stream, err := p.reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return p.abort(&domain.ReaderError{Batch: batch, Err: err})
		}

		if err := p.runBatch(ctx, batch, stream); err != nil {
			return p.abort(err)
		}
	}

	p.state.Store(int32(PipelineCompleted))
	p.logger.Info("pipeline completed", zap.String("run_id", p.runID))
	return nil
}

// runBatch takes one batch through every stage and the writer. A failure
// cancels all in-flight work for the batch before propagating.
func (p *Pipeline) runBatch(ctx context.Context, batch int, stream *domain.Stream) error {
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, stage := range p.stages {
		start := time.Now()
		err := stage.Run(batchCtx, stream)
		p.metrics.RecordStageLatency(stage.ID(), stageKind(stage), time.Since(start))
		if err != nil {
			cancel()
			return &domain.StageFailure{Stage: stage.ID(), Batch: batch, Err: err}
		}
	}

	if err := p.writer.Write(batchCtx, stream); err != nil {
		return &domain.WriterError{Batch: batch, Err: err}
	}

	errored := stream.Len() - stream.Active().Len()
	p.metrics.RecordCapsules(stream.Len()-errored, "processed")
	p.metrics.RecordCapsules(errored, "errored")
	p.metrics.RecordBatch(stream.Len(), "completed")
	p.logger.Debug("batch completed",
		zap.String("run_id", p.runID),
		zap.Int("batch", batch),
		zap.Int("capsules", stream.Len()),
		zap.Int("errored", errored),
	)
	return nil
}

// abort records the terminal Aborted state and reports the failure.
func (p *Pipeline) abort(err error) error {
	p.state.Store(int32(PipelineAborted))
	p.metrics.RecordBatch(0, "aborted")
	p.logger.Error("pipeline aborted",
		zap.String("run_id", p.runID),
		zap.Error(err),
	)
	return err
}

// stageKind labels a stage for metrics.
func stageKind(stage ports.Stage) string {
	switch stage.(type) {
	case *Subpipe:
		return "subpipe"
	case *Bag:
		return "bag"
	default:
		return "stage"
	}
}

// newRunID generates the correlation identifier for one pipeline instance.
func newRunID() string { return uuid.NewString() }

// newPipeline assembles a pipeline from already-validated parts. Callers go
// through Builder, which enforces the invariants.
func newPipeline(stages []ports.Stage, reader ports.Reader, writer ports.Writer, logger *zap.Logger, metrics ports.MetricsCollector) *Pipeline {
	return &Pipeline{
		runID:   newRunID(),
		stages:  stages,
		reader:  reader,
		writer:  writer,
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer("pipeline"),
	}
}
