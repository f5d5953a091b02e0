package steps

import (
	"context"
	"fmt"

	"github.com/fennic/recpipe/internal/domain"
	"github.com/fennic/recpipe/internal/ports"
)

var _ ports.Step = (*SetFieldStep)(nil)

// SetFieldStep writes a constant value into one output-record field, either
// replacing the field's sequence or appending to it. It is the simplest
// building block for stamping provenance or routing markers onto every
// capsule of a run.
//
// Concurrency: SetFieldStep is stateless and safe for concurrent execution.
type SetFieldStep struct {
	// name is the unique identifier for this step instance.
	name string
	// config contains the validated configuration parameters.
	config SetFieldConfig
}

// SetFieldConfig controls what SetFieldStep writes and how.
type SetFieldConfig struct {
	// Field is the output-record field to write.
	Field string `yaml:"field" json:"field" validate:"required,min=1"`

	// Value is the value written on every capsule.
	Value any `yaml:"value" json:"value"`

	// Mode selects "set" (replace the sequence, default) or "append"
	// (concatenate onto it).
	Mode string `yaml:"mode" json:"mode" validate:"omitempty,oneof=set append"`
}

// NewSetFieldStep creates a SetFieldStep with validated configuration.
func NewSetFieldStep(name string, config SetFieldConfig) (*SetFieldStep, error) {
	if name == "" {
		return nil, ErrEmptyStepName
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &SetFieldStep{name: name, config: config}, nil
}

// Name returns the unique identifier for this step instance.
func (s *SetFieldStep) Name() string { return s.name }

// Execute writes the configured value into the capsule's output record.
func (s *SetFieldStep) Execute(_ context.Context, c *domain.Capsule) error {
	if s.config.Mode == "append" {
		return c.Record().Append(s.config.Field, s.config.Value)
	}
	return c.Record().Set(s.config.Field, s.config.Value)
}

// Validate checks that the step is properly configured.
func (s *SetFieldStep) Validate() error {
	if s.name == "" {
		return ErrEmptyStepName
	}
	return validate.Struct(s.config)
}

// CreateSetFieldStep is the registry factory for "set" steps.
func CreateSetFieldStep(id string, config map[string]any) (ports.Step, error) {
	var cfg SetFieldConfig
	if field, ok := stringParam(config, "field"); ok {
		cfg.Field = field
	}
	cfg.Value = config["value"]
	if mode, ok := stringParam(config, "mode"); ok {
		cfg.Mode = mode
	}
	return NewSetFieldStep(id, cfg)
}
