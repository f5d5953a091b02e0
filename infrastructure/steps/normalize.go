package steps

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/fennic/recpipe/internal/domain"
	"github.com/fennic/recpipe/internal/ports"
)

var _ ports.Step = (*NormalizeStep)(nil)

// NormalizeStep cleans up the string values of one output-record field:
// Unicode NFC normalization, optional case folding, whitespace collapsing,
// and leading-article stripping for filing forms of titles. The result is
// written either back into the field or into a separate target field, the
// usual shape for deriving a filing title next to the display title.
//
// Non-string values pass through untouched.
//
// Concurrency: NormalizeStep is stateless after construction and safe for
// concurrent execution; the case folder is built once and read-only.
type NormalizeStep struct {
	// name is the unique identifier for this step instance.
	name string
	// config contains the validated configuration parameters.
	config NormalizeConfig
	// folder is the Unicode-aware case mapper, built at construction.
	folder cases.Caser
}

// NormalizeConfig controls the normalization applied.
type NormalizeConfig struct {
	// Field is the output-record field whose values are normalized.
	Field string `yaml:"field" json:"field" validate:"required,min=1"`

	// Target receives the normalized values; when empty, Field is
	// rewritten in place.
	Target string `yaml:"target" json:"target"`

	// Lowercase applies Unicode-aware lowercasing.
	Lowercase bool `yaml:"lowercase" json:"lowercase"`

	// TrimSpace trims leading and trailing whitespace.
	TrimSpace bool `yaml:"trim_space" json:"trim_space"`

	// CollapseWhitespace folds internal whitespace runs to single spaces.
	CollapseWhitespace bool `yaml:"collapse_whitespace" json:"collapse_whitespace"`

	// StripArticles removes a leading occurrence of any of these words
	// (matched case-insensitively), e.g. "the", "a", "an" for English
	// filing titles.
	StripArticles []string `yaml:"strip_articles" json:"strip_articles"`
}

// NewNormalizeStep creates a NormalizeStep with validated configuration.
func NewNormalizeStep(name string, config NormalizeConfig) (*NormalizeStep, error) {
	if name == "" {
		return nil, ErrEmptyStepName
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &NormalizeStep{
		name:   name,
		config: config,
		folder: cases.Lower(language.Und),
	}, nil
}

// Name returns the unique identifier for this step instance.
func (s *NormalizeStep) Name() string { return s.name }

// Execute normalizes every string value of the configured field.
func (s *NormalizeStep) Execute(_ context.Context, c *domain.Capsule) error {
	values := c.Record().Get(s.config.Field)
	if len(values) == 0 {
		return nil
	}

	out := make([]any, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			out[i] = v
			continue
		}
		out[i] = s.normalize(str)
	}

	target := s.config.Target
	if target == "" {
		target = s.config.Field
	}
	return c.Record().Set(target, out)
}

// normalize applies the configured transformations in a fixed order:
// NFC, article stripping, case mapping, then whitespace handling.
func (s *NormalizeStep) normalize(str string) string {
	str = norm.NFC.String(str)

	for _, article := range s.config.StripArticles {
		prefix := article + " "
		if len(str) >= len(prefix) && strings.EqualFold(str[:len(prefix)], prefix) {
			str = str[len(prefix):]
			break
		}
	}

	if s.config.Lowercase {
		str = s.folder.String(str)
	}
	if s.config.CollapseWhitespace {
		str = strings.Join(strings.Fields(str), " ")
	} else if s.config.TrimSpace {
		str = strings.TrimSpace(str)
	}
	return str
}

// Validate checks that the step is properly configured.
func (s *NormalizeStep) Validate() error {
	if s.name == "" {
		return ErrEmptyStepName
	}
	return validate.Struct(s.config)
}

// CreateNormalizeStep is the registry factory for "normalize" steps.
func CreateNormalizeStep(id string, config map[string]any) (ports.Step, error) {
	var cfg NormalizeConfig
	if field, ok := stringParam(config, "field"); ok {
		cfg.Field = field
	}
	if target, ok := stringParam(config, "target"); ok {
		cfg.Target = target
	}
	if v, ok := boolParam(config, "lowercase"); ok {
		cfg.Lowercase = v
	}
	if v, ok := boolParam(config, "trim_space"); ok {
		cfg.TrimSpace = v
	}
	if v, ok := boolParam(config, "collapse_whitespace"); ok {
		cfg.CollapseWhitespace = v
	}
	if articles, ok := stringsParam(config, "strip_articles"); ok {
		cfg.StripArticles = articles
	}
	return NewNormalizeStep(id, cfg)
}
