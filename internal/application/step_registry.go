package application

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fennic/recpipe/infrastructure/steps"
	"github.com/fennic/recpipe/internal/ports"
)

// Verify interface compliance at compile time.
var _ ports.StepRegistry = (*DefaultStepRegistry)(nil)

// DefaultStepRegistry implements the StepRegistry interface, providing a
// factory for creating steps by type from pipeline definitions. It comes
// with the built-in step types pre-registered and accepts additional
// factories for deployment-specific steps.
type DefaultStepRegistry struct {
	// factories maps step type strings to their factory functions.
	factories map[string]ports.StepFactory
	// mu protects concurrent access to the factories map.
	mu sync.RWMutex
	// lookup is the batch lookup function injected into lookup steps.
	lookup steps.LookupFunc
}

// NewDefaultStepRegistry creates a registry with the standard step types
// pre-registered: set, extract, normalize, and dedup. When lookup is
// non-nil the "lookup" type is registered as well, with the function
// injected into every instance.
func NewDefaultStepRegistry(lookup steps.LookupFunc) *DefaultStepRegistry {
	r := &DefaultStepRegistry{
		factories: make(map[string]ports.StepFactory),
		lookup:    lookup,
	}
	r.registerBuiltinFactories()
	return r
}

// registerBuiltinFactories registers the step types shipped with the engine.
func (r *DefaultStepRegistry) registerBuiltinFactories() {
	r.factories["set"] = steps.CreateSetFieldStep
	r.factories["extract"] = steps.CreateExtractStep
	r.factories["normalize"] = steps.CreateNormalizeStep
	r.factories["dedup"] = steps.CreateDedupStep

	if r.lookup == nil {
		return
	}
	// Capture the function so later mutation of the registry cannot race.
	lookup := r.lookup
	r.factories["lookup"] = func(id string, params map[string]any) (ports.Step, error) {
		return steps.CreateBatchLookupStep(id, params, lookup)
	}
}

// Register adds a factory for a new step type.
func (r *DefaultStepRegistry) Register(stepType string, factory ports.StepFactory) error {
	if stepType == "" {
		return fmt.Errorf("step type cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory for step type %s cannot be nil", stepType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[stepType]; exists {
		return fmt.Errorf("step type %s is already registered", stepType)
	}
	r.factories[stepType] = factory
	return nil
}

// Create instantiates and validates a step of the given type.
func (r *DefaultStepRegistry) Create(stepType, id string, params map[string]any) (ports.Step, error) {
	r.mu.RLock()
	factory, exists := r.factories[stepType]
	r.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("unknown step type: %s", stepType)
	}

	step, err := factory(id, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s step: %w", stepType, err)
	}
	if err := step.Validate(); err != nil {
		return nil, fmt.Errorf("%s step %s is invalid: %w", stepType, id, err)
	}
	return step, nil
}

// List returns all registered step types in sorted order.
func (r *DefaultStepRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
