package steps

import (
	"context"
	"fmt"

	"github.com/agnivade/levenshtein"

	"github.com/fennic/recpipe/internal/domain"
	"github.com/fennic/recpipe/internal/ports"
)

var _ ports.BatchStep = (*DedupStep)(nil)

// DedupStep flags capsules whose key field fuzzily matches an earlier
// capsule in the same batch. The comparison index — every capsule's first
// value of the key field, in batch order — is captured once per batch at
// Bind time and frozen: Bind runs before any worker starts writing, so the
// batch-wide scan never reads a record another worker is mutating, and the
// full scan happens a single time no matter how many capsules or workers
// execute the step.
//
// A capsule matching an earlier one gets the earlier capsule's ID written
// into the target field; first occurrences are left untouched. Matching
// uses Levenshtein distance, with 0 meaning exact matches only.
type DedupStep struct {
	// name is the unique identifier for this step instance.
	name string
	// config contains the validated configuration parameters.
	config DedupConfig
	// index is the comparison index frozen at Bind time.
	index []dedupEntry
	// bound reports whether a batch has been bound.
	bound bool
}

// DedupConfig controls which field is compared and how fuzzily.
type DedupConfig struct {
	// Field is the output-record field compared across the batch. Only the
	// first value of the sequence is considered.
	Field string `yaml:"field" json:"field" validate:"required,min=1"`

	// Target is the field that receives the matched capsule's ID.
	// Defaults to "duplicate_of".
	Target string `yaml:"target" json:"target"`

	// MaxDistance is the largest Levenshtein distance still considered a
	// duplicate. 0 means exact matches only.
	MaxDistance int `yaml:"max_distance" json:"max_distance" validate:"min=0,max=16"`
}

// dedupEntry is one batch-index row: a capsule and its comparable value.
type dedupEntry struct {
	capsuleID string
	value     string
}

// NewDedupStep creates a DedupStep with validated configuration.
func NewDedupStep(name string, config DedupConfig) (*DedupStep, error) {
	if name == "" {
		return nil, ErrEmptyStepName
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if config.Target == "" {
		config.Target = "duplicate_of"
	}
	return &DedupStep{name: name, config: config}, nil
}

// Name returns the unique identifier for this step instance.
func (s *DedupStep) Name() string { return s.name }

// Bind captures the comparison index from the batch about to be processed.
// This is the step's only cross-capsule read, done before any worker writes.
func (s *DedupStep) Bind(stream *domain.Stream) {
	capsules := stream.Capsules()
	index := make([]dedupEntry, 0, len(capsules))
	for _, c := range capsules {
		value, ok := s.keyValue(c)
		if !ok {
			continue
		}
		index = append(index, dedupEntry{capsuleID: c.ID(), value: value})
	}
	s.index = index
	s.bound = true
}

// Execute flags the capsule when an earlier batch member carries a matching
// key value.
func (s *DedupStep) Execute(_ context.Context, c *domain.Capsule) error {
	if !s.bound {
		return fmt.Errorf("dedup step %s executed without a bound stream", s.name)
	}

	own, ok := s.keyValue(c)
	if !ok {
		return nil
	}

	id := c.ID()
	for _, entry := range s.index {
		if entry.capsuleID == id {
			// Only earlier capsules count as originals.
			break
		}
		if s.matches(entry.value, own) {
			return c.Record().Set(s.config.Target, entry.capsuleID)
		}
	}
	return nil
}

// keyValue extracts the capsule's comparable value.
func (s *DedupStep) keyValue(c *domain.Capsule) (string, bool) {
	values := c.Record().Get(s.config.Field)
	if len(values) == 0 {
		return "", false
	}
	str, ok := values[0].(string)
	return str, ok
}

// matches reports whether two values are duplicates under the configured
// distance. The levenshtein library correctly handles multi-byte UTF-8.
func (s *DedupStep) matches(a, b string) bool {
	if a == b {
		return true
	}
	if s.config.MaxDistance == 0 {
		return false
	}
	return levenshtein.ComputeDistance(a, b) <= s.config.MaxDistance
}

// Validate checks that the step is properly configured and bound.
func (s *DedupStep) Validate() error {
	if s.name == "" {
		return ErrEmptyStepName
	}
	return validate.Struct(s.config)
}

// CreateDedupStep is the registry factory for "dedup" steps.
func CreateDedupStep(id string, config map[string]any) (ports.Step, error) {
	var cfg DedupConfig
	if field, ok := stringParam(config, "field"); ok {
		cfg.Field = field
	}
	if target, ok := stringParam(config, "target"); ok {
		cfg.Target = target
	}
	if d, ok := intParam(config, "max_distance"); ok {
		cfg.MaxDistance = d
	}
	return NewDedupStep(id, cfg)
}
