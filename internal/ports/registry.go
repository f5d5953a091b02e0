package ports

// StepFactory creates a configured step instance from its declared ID and
// the parameter map taken from a pipeline definition.
type StepFactory func(id string, params map[string]any) (Step, error)

// StepRegistry provides factory-based creation of steps by type name,
// decoupling pipeline definitions from concrete step implementations.
type StepRegistry interface {
	// Register adds a factory for the given step type. Registering a type
	// that already exists is an error.
	Register(stepType string, factory StepFactory) error

	// Create instantiates and validates a step of the given type.
	Create(stepType, id string, params map[string]any) (Step, error)

	// List returns all registered step types in sorted order.
	List() []string
}
