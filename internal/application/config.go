package application

// Recognized OnCapsuleError policies.
const (
	// OnCapsuleErrorSkip flags the failed capsule and excludes it from
	// later steps and the writer while the rest of the batch continues.
	OnCapsuleErrorSkip = "skip"

	// OnCapsuleErrorAbort promotes any capsule-scoped failure to a stage
	// failure, aborting the pipeline.
	OnCapsuleErrorAbort = "abort"
)

// Default settings applied by Config.Normalize.
const (
	// DefaultBatchSize is the number of capsules per batch when unset.
	DefaultBatchSize = 100

	// DefaultWorkerPoolSize disables bag parallelism when unset.
	DefaultWorkerPoolSize = 1
)

// Config carries the pipeline's recognized settings. It is passed explicitly
// at build time — there is no process-wide settings state — and is embedded
// unchanged in YAML pipeline definitions under "settings".
type Config struct {
	// BatchSize is the bounded size of each capsule stream a reader
	// produces. Defaults to 100.
	BatchSize int `yaml:"batch_size" validate:"min=1,max=1000000"`

	// WorkerPoolSize bounds each bag's worker pool. Defaults to 1, meaning
	// no parallelism.
	WorkerPoolSize int `yaml:"worker_pool_size" validate:"min=1,max=4096"`

	// OnCapsuleError selects what a capsule-scoped failure does to the
	// batch: "skip" (default) or "abort".
	OnCapsuleError string `yaml:"on_capsule_error" validate:"oneof=skip abort"`

	// BagDispatch selects how bags distribute work: "capsule" (default)
	// partitions capsules across workers, "step" runs each member step in
	// its own worker with shadow-record reconciliation.
	BagDispatch string `yaml:"bag_dispatch" validate:"oneof=capsule step"`
}

// DefaultConfig returns the settings used when nothing is specified.
func DefaultConfig() Config {
	return Config{
		BatchSize:      DefaultBatchSize,
		WorkerPoolSize: DefaultWorkerPoolSize,
		OnCapsuleError: OnCapsuleErrorSkip,
		BagDispatch:    string(DispatchByCapsule),
	}
}

// Normalize fills zero values with defaults so a partially specified
// configuration behaves predictably.
func (c *Config) Normalize() {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.WorkerPoolSize == 0 {
		c.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if c.OnCapsuleError == "" {
		c.OnCapsuleError = OnCapsuleErrorSkip
	}
	if c.BagDispatch == "" {
		c.BagDispatch = string(DispatchByCapsule)
	}
}

// Validate checks the settings against their declared constraints.
func (c Config) Validate() error {
	return validate.Struct(c)
}

// PipelineConfig is the YAML schema for a declarative pipeline definition:
// named steps, registered into named subpipes and bags, in declared order.
// Loading a definition is a build-time operation; the result is an
// immutable, runnable pipeline.
type PipelineConfig struct {
	// Version is the schema version of this definition, semantic-versioned
	// for compatibility checks.
	Version string `yaml:"version" validate:"required,semver"`

	// Metadata describes the pipeline for organization and discovery.
	Metadata Metadata `yaml:"metadata" validate:"required"`

	// Settings carries the recognized pipeline options. Omitted values
	// take their defaults.
	Settings Config `yaml:"settings"`

	// Steps declares the step instances available to stages, each created
	// through the step registry by type.
	Steps []StepConfig `yaml:"steps" validate:"required,min=1,dive"`

	// Stages declares the ordered stage list; each entry names its member
	// steps by ID.
	Stages []StageConfig `yaml:"stages" validate:"required,min=1,dive"`
}

// Metadata provides descriptive information about a pipeline definition.
type Metadata struct {
	// Name is the human-readable identifier for this pipeline.
	Name string `yaml:"name" validate:"required,min=1,max=255"`

	// Description explains the pipeline's purpose.
	Description string `yaml:"description" validate:"max=1000"`

	// Tags are categorical labels for filtering and grouping.
	Tags []string `yaml:"tags" validate:"max=20,dive,min=1,max=50"`

	// Labels are arbitrary key-value pairs for external integration.
	Labels map[string]string `yaml:"labels" validate:"max=50"`
}

// StepConfig declares one step instance: its unique ID, the registered
// factory type that creates it, and its type-specific parameters.
type StepConfig struct {
	// ID is the unique identifier for this step within the definition.
	ID string `yaml:"id" validate:"required,min=1,max=100"`

	// Type names the registered step factory to instantiate.
	Type string `yaml:"type" validate:"required,min=1,max=100"`

	// Parameters holds type-specific configuration, validated by the
	// factory that consumes it.
	Parameters map[string]any `yaml:"parameters"`
}

// StageConfig declares one stage: its kind decides the ordering contract of
// its member steps.
type StageConfig struct {
	// Name is the unique identifier for this stage within the pipeline.
	Name string `yaml:"name" validate:"required,min=1,max=100"`

	// Kind is "subpipe" (ordered, sequential) or "bag" (unordered,
	// independent members, eligible for parallel execution).
	Kind string `yaml:"kind" validate:"required,oneof=subpipe bag"`

	// Steps lists member step IDs; for a subpipe the order is the
	// execution order.
	Steps []string `yaml:"steps" validate:"required,min=1,dive,min=1"`
}
