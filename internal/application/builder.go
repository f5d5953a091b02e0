package application

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fennic/recpipe/internal/ports"
)

// Builder assembles an immutable, runnable Pipeline at build time:
// construct, append stages in declared order, then Build. There is no
// runtime composition surface; configuration is threaded explicitly
// through the builder rather than read from ambient state.
type Builder struct {
	cfg        Config
	stages     []ports.Stage
	stageNames map[string]struct{}
	reader     ports.Reader
	writer     ports.Writer
	logger     *zap.Logger
	metrics    ports.MetricsCollector
	built      bool
}

// NewBuilder creates a builder carrying the given settings. The settings
// are normalized and validated once, up front.
func NewBuilder(cfg Config) (*Builder, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Builder{
		cfg:        cfg,
		stages:     make([]ports.Stage, 0),
		stageNames: make(map[string]struct{}),
		logger:     zap.NewNop(),
		metrics:    ports.NopMetrics{},
	}, nil
}

// WithReader sets the reader the pipeline pulls batches from.
func (b *Builder) WithReader(r ports.Reader) *Builder {
	b.reader = r
	return b
}

// WithWriter sets the writer finished batches are handed to.
func (b *Builder) WithWriter(w ports.Writer) *Builder {
	b.writer = w
	return b
}

// WithLogger sets the logger propagated to the pipeline and its bags.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithMetrics sets the metrics collector the pipeline reports to.
func (b *Builder) WithMetrics(m ports.MetricsCollector) *Builder {
	if m != nil {
		b.metrics = m
	}
	return b
}

// AddSubpipe appends an ordered stage holding the given steps, in declared
// order, to the end of the pipeline.
func (b *Builder) AddSubpipe(name string, steps ...ports.Step) error {
	if err := b.checkStage(name, steps); err != nil {
		return err
	}

	var opts []SubpipeOption
	if b.cfg.OnCapsuleError == OnCapsuleErrorAbort {
		opts = append(opts, SubpipeAbortOnCapsuleError())
	}
	sp := NewSubpipe(name, opts...)
	for _, step := range steps {
		if err := sp.Add(step); err != nil {
			return err
		}
	}
	b.stages = append(b.stages, sp)
	b.stageNames[name] = struct{}{}
	return nil
}

// AddBag appends an unordered stage holding the given mutually independent
// steps to the end of the pipeline. The bag inherits the builder's worker
// pool size, dispatch mode, and logger.
func (b *Builder) AddBag(name string, steps ...ports.Step) error {
	if err := b.checkStage(name, steps); err != nil {
		return err
	}

	opts := []BagOption{
		BagWorkers(b.cfg.WorkerPoolSize),
		BagDispatch(DispatchMode(b.cfg.BagDispatch)),
		BagLogger(b.logger),
	}
	if b.cfg.OnCapsuleError == OnCapsuleErrorAbort {
		opts = append(opts, BagAbortOnCapsuleError())
	}
	bag := NewBag(name, opts...)
	for _, step := range steps {
		if err := bag.Add(step); err != nil {
			return err
		}
	}
	b.stages = append(b.stages, bag)
	b.stageNames[name] = struct{}{}
	return nil
}

// checkStage validates a stage registration: the builder must not be
// frozen, the name must be unique and non-empty, and every step must pass
// its own validation.
func (b *Builder) checkStage(name string, steps []ports.Step) error {
	if b.built {
		return fmt.Errorf("builder is frozen: pipeline already built")
	}
	if name == "" {
		return fmt.Errorf("stage name cannot be empty")
	}
	if _, exists := b.stageNames[name]; exists {
		return fmt.Errorf("stage %s already exists in pipeline", name)
	}
	if len(steps) == 0 {
		return fmt.Errorf("stage %s has no steps", name)
	}
	for _, step := range steps {
		if step == nil {
			return fmt.Errorf("stage %s contains a nil step", name)
		}
		if err := step.Validate(); err != nil {
			return fmt.Errorf("stage %s: step %s: %w", name, step.Name(), err)
		}
	}
	return nil
}

// Build freezes the builder and returns the runnable pipeline. A reader, a
// writer, and at least one stage are required.
func (b *Builder) Build() (*Pipeline, error) {
	if b.built {
		return nil, fmt.Errorf("pipeline already built")
	}
	if b.reader == nil {
		return nil, fmt.Errorf("pipeline requires a reader")
	}
	if b.writer == nil {
		return nil, fmt.Errorf("pipeline requires a writer")
	}
	if len(b.stages) == 0 {
		return nil, fmt.Errorf("pipeline requires at least one stage")
	}

	// The logger may have been set after stages were added; give every bag
	// the final one.
	for _, stage := range b.stages {
		if bag, ok := stage.(*Bag); ok {
			bag.logger = b.logger
		}
	}

	b.built = true
	return newPipeline(b.stages, b.reader, b.writer, b.logger, b.metrics), nil
}
