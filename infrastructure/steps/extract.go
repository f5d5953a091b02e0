package steps

import (
	"context"
	"fmt"

	"github.com/fennic/recpipe/internal/domain"
	"github.com/fennic/recpipe/internal/ports"
)

var _ ports.Step = (*ExtractStep)(nil)

// ExtractStep projects fields from a map-shaped input record into the
// capsule's output record. It is the usual first step of a pipeline: later
// steps operate on output-record fields only, never on the source.
//
// A capsule whose input record is not a map[string]any receives a
// capsule-scoped failure; the rest of the batch is unaffected.
type ExtractStep struct {
	// name is the unique identifier for this step instance.
	name string
	// config contains the validated configuration parameters.
	config ExtractConfig
}

// ExtractConfig lists the input fields to project.
type ExtractConfig struct {
	// Fields names the input-record keys copied into the output record
	// under the same names.
	Fields []string `yaml:"fields" json:"fields" validate:"required,min=1,dive,min=1"`

	// Required makes a missing input key a capsule-scoped failure instead
	// of a silent skip.
	Required bool `yaml:"required" json:"required"`
}

// NewExtractStep creates an ExtractStep with validated configuration.
func NewExtractStep(name string, config ExtractConfig) (*ExtractStep, error) {
	if name == "" {
		return nil, ErrEmptyStepName
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &ExtractStep{name: name, config: config}, nil
}

// Name returns the unique identifier for this step instance.
func (s *ExtractStep) Name() string { return s.name }

// Execute copies the configured input fields into the output record.
func (s *ExtractStep) Execute(_ context.Context, c *domain.Capsule) error {
	input, ok := c.Input().(map[string]any)
	if !ok {
		return domain.NewCapsuleError(c.ID(), s.name,
			fmt.Errorf("input record is %T, not map[string]any", c.Input()))
	}

	for _, field := range s.config.Fields {
		value, present := input[field]
		if !present {
			if s.config.Required {
				return domain.NewCapsuleError(c.ID(), s.name,
					fmt.Errorf("input field %q is absent", field))
			}
			continue
		}
		if err := c.Record().Set(field, value); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that the step is properly configured.
func (s *ExtractStep) Validate() error {
	if s.name == "" {
		return ErrEmptyStepName
	}
	return validate.Struct(s.config)
}

// CreateExtractStep is the registry factory for "extract" steps.
func CreateExtractStep(id string, config map[string]any) (ports.Step, error) {
	var cfg ExtractConfig
	if fields, ok := stringsParam(config, "fields"); ok {
		cfg.Fields = fields
	}
	if required, ok := boolParam(config, "required"); ok {
		cfg.Required = required
	}
	return NewExtractStep(id, cfg)
}
