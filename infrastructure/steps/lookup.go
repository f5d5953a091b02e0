package steps

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fennic/recpipe/internal/domain"
	"github.com/fennic/recpipe/internal/ports"
)

var _ ports.BatchStep = (*BatchLookupStep)(nil)

// LookupFunc resolves a batch of keys against an external source in one
// call — one query serving every capsule of the batch. Keys absent from the
// result are simply not enriched.
type LookupFunc func(ctx context.Context, keys []string) (map[string]any, error)

// BatchLookupStep enriches capsules from an external source with exactly
// one lookup call per batch. The call is issued through the stream's
// memoization, so however many capsules or workers execute the step, and
// however many steps share the same lookup name, the source is queried once
// and the keyed result is shared batch-wide.
//
// The lookup key for each capsule is the first value of the configured key
// field, falling back to the capsule ID when no key field is set. The key
// set is captured at Bind time, before any worker starts writing, so the
// batch-wide read is safe under parallel bag dispatch.
type BatchLookupStep struct {
	// name is the unique identifier for this step instance.
	name string
	// config contains the validated configuration parameters.
	config LookupConfig
	// fn issues the batch lookup.
	fn LookupFunc
	// stream is the batch bound before execution.
	stream *domain.Stream
	// keys is the batch's key set, frozen at Bind time.
	keys []string
	// tracer is the OpenTelemetry tracer for observability.
	tracer trace.Tracer
}

// LookupConfig controls keying and the enriched field.
type LookupConfig struct {
	// Target is the output-record field that receives the looked-up value.
	Target string `yaml:"target" json:"target" validate:"required,min=1"`

	// KeyField names the output-record field whose first value keys the
	// lookup. When empty, the capsule ID is used.
	KeyField string `yaml:"key_field" json:"key_field"`

	// Required makes a key missing from the lookup result a capsule-scoped
	// failure instead of a silent skip.
	Required bool `yaml:"required" json:"required"`
}

// NewBatchLookupStep creates a BatchLookupStep with validated configuration.
func NewBatchLookupStep(name string, config LookupConfig, fn LookupFunc) (*BatchLookupStep, error) {
	if name == "" {
		return nil, ErrEmptyStepName
	}
	if fn == nil {
		return nil, fmt.Errorf("lookup step %s requires a lookup function", name)
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &BatchLookupStep{
		name:   name,
		config: config,
		fn:     fn,
		tracer: otel.Tracer("batch-lookup-step"),
	}, nil
}

// Name returns the unique identifier for this step instance.
func (s *BatchLookupStep) Name() string { return s.name }

// Bind hands the step the stream of the batch about to be processed and
// captures the batch's key set, the step's only cross-capsule read.
func (s *BatchLookupStep) Bind(stream *domain.Stream) {
	s.stream = stream
	s.keys = s.collectKeys(stream)
}

// Execute enriches one capsule from the batch-wide lookup result.
func (s *BatchLookupStep) Execute(ctx context.Context, c *domain.Capsule) error {
	if s.stream == nil {
		return fmt.Errorf("lookup step %s executed without a bound stream", s.name)
	}

	ctx, span := s.tracer.Start(ctx, "BatchLookupStep.Execute",
		trace.WithAttributes(attribute.String("step.name", s.name)))
	defer span.End()

	view, err := s.view(ctx)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", s.name, err)
	}

	key := s.key(c)
	value, ok := view.ValueFor(key)
	if !ok {
		if s.config.Required {
			return domain.NewCapsuleError(c.ID(), s.name,
				fmt.Errorf("no lookup result for key %q", key))
		}
		return nil
	}
	return c.Record().Set(s.config.Target, value)
}

// view returns the memoized batch lookup view over the keys frozen at Bind.
func (s *BatchLookupStep) view(ctx context.Context) (*LookupView, error) {
	return NewLookupView(ctx, s.stream, s.name, func() []string { return s.keys }, s.fn)
}

// collectKeys gathers the lookup key of every non-errored capsule, in batch
// order.
func (s *BatchLookupStep) collectKeys(stream *domain.Stream) []string {
	capsules := stream.Active().Capsules()
	keys := make([]string, 0, len(capsules))
	for _, c := range capsules {
		keys = append(keys, s.key(c))
	}
	return keys
}

// key derives one capsule's lookup key.
func (s *BatchLookupStep) key(c *domain.Capsule) string {
	if s.config.KeyField == "" {
		return c.ID()
	}
	values := c.Record().Get(s.config.KeyField)
	if len(values) == 0 {
		return ""
	}
	return fmt.Sprint(values[0])
}

// Validate checks that the step is properly configured.
func (s *BatchLookupStep) Validate() error {
	if s.name == "" {
		return ErrEmptyStepName
	}
	if s.fn == nil {
		return fmt.Errorf("lookup step %s requires a lookup function", s.name)
	}
	return validate.Struct(s.config)
}

// CreateBatchLookupStep is the registry factory for "lookup" steps. The
// lookup function is injected by the registry, not taken from parameters.
func CreateBatchLookupStep(id string, config map[string]any, fn LookupFunc) (ports.Step, error) {
	var cfg LookupConfig
	if target, ok := stringParam(config, "target"); ok {
		cfg.Target = target
	}
	if keyField, ok := stringParam(config, "key_field"); ok {
		cfg.KeyField = keyField
	}
	if required, ok := boolParam(config, "required"); ok {
		cfg.Required = required
	}
	return NewBatchLookupStep(id, cfg, fn)
}

// LookupView is a batch-specific accessor layered over a stream's
// memoization: the underlying lookup call happens at most once per batch
// per name, and every consumer shares the keyed result. It is the pattern
// for extending a stream with named batch accessors while preserving
// rewindability and memoization semantics.
type LookupView struct {
	results map[string]any
}

// NewLookupView returns the view of the named batch lookup, issuing the
// single underlying call on first use.
func NewLookupView(ctx context.Context, stream *domain.Stream, name string, keys func() []string, fn LookupFunc) (*LookupView, error) {
	results, err := domain.MemoizeAs(stream, "lookup."+name, func() (map[string]any, error) {
		return fn(ctx, keys())
	})
	if err != nil {
		return nil, err
	}
	return &LookupView{results: results}, nil
}

// ValueFor returns the looked-up value for key.
func (v *LookupView) ValueFor(key string) (any, bool) {
	value, ok := v.results[key]
	return value, ok
}
