package application

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/fennic/recpipe/internal/ports"
)

// PipelineLoader parses, validates, and caches declarative YAML pipeline
// definitions and assembles runnable pipelines from them through a step
// registry and a Builder.
//
// Because a Pipeline is a one-shot state machine, the loader caches the
// validated definition — keyed by SHA-256 of the normalized config — not the
// built pipeline; every Load call assembles a fresh instance. Singleflight
// prevents duplicate validation when multiple goroutines load the same
// definition simultaneously.
type PipelineLoader struct {
	// registry creates step instances from their declared type.
	registry ports.StepRegistry
	// logger is propagated into built pipelines.
	logger *zap.Logger
	// cache stores validated definitions indexed by config hash.
	cache map[string]*PipelineConfig
	// cacheMu guards cache.
	cacheMu sync.RWMutex
	// sf deduplicates concurrent validation of the same definition.
	sf singleflight.Group
}

// NewPipelineLoader creates a loader backed by the given step registry.
// A nil logger falls back to a no-op logger.
func NewPipelineLoader(registry ports.StepRegistry, logger *zap.Logger) (*PipelineLoader, error) {
	if registry == nil {
		return nil, fmt.Errorf("pipeline loader requires a step registry")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PipelineLoader{
		registry: registry,
		logger:   logger,
		cache:    make(map[string]*PipelineConfig),
	}, nil
}

// LoadFromFile builds a pipeline from a YAML definition file, wiring in the
// given reader and writer.
func (pl *PipelineLoader) LoadFromFile(path string, reader ports.Reader, writer ports.Writer) (*Pipeline, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return pl.Load(data, reader, writer)
}

// LoadFromReader builds a pipeline from any YAML definition source.
func (pl *PipelineLoader) LoadFromReader(r io.Reader, reader ports.Reader, writer ports.Writer) (*Pipeline, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	return pl.Load(data, reader, writer)
}

// Load parses and validates the YAML definition, reusing a cached validated
// definition when the normalized config hashes identically, then assembles
// a fresh runnable pipeline.
func (pl *PipelineLoader) Load(data []byte, reader ports.Reader, writer ports.Writer) (*Pipeline, error) {
	cfg, err := pl.resolve(data)
	if err != nil {
		return nil, err
	}
	return pl.build(cfg, reader, writer)
}

// resolve returns the validated definition for the given YAML, computing it
// at most once per distinct config.
func (pl *PipelineLoader) resolve(data []byte) (*PipelineConfig, error) {
	cfg, err := parseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Hash the normalized config, not the raw bytes, so formatting-only
	// differences still hit the cache.
	hash, err := configHash(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to hash definition: %w", err)
	}

	v, err, _ := pl.sf.Do(hash, func() (any, error) {
		pl.cacheMu.RLock()
		cached, ok := pl.cache[hash]
		pl.cacheMu.RUnlock()
		if ok {
			return cached, nil
		}

		if err := validate.Struct(cfg); err != nil {
			return nil, fmt.Errorf("validation failed: %w", err)
		}
		if err := validateDefinition(cfg); err != nil {
			return nil, fmt.Errorf("validation failed: %w", err)
		}

		pl.cacheMu.Lock()
		pl.cache[hash] = cfg
		pl.cacheMu.Unlock()

		pl.logger.Debug("pipeline definition compiled",
			zap.String("name", cfg.Metadata.Name),
			zap.String("hash", hash),
		)
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PipelineConfig), nil
}

// build assembles a runnable pipeline from a validated definition.
func (pl *PipelineLoader) build(cfg *PipelineConfig, reader ports.Reader, writer ports.Writer) (*Pipeline, error) {
	steps := make(map[string]ports.Step, len(cfg.Steps))
	for _, sc := range cfg.Steps {
		step, err := pl.registry.Create(sc.Type, sc.ID, sc.Parameters)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", sc.ID, err)
		}
		steps[sc.ID] = step
	}

	builder, err := NewBuilder(cfg.Settings)
	if err != nil {
		return nil, err
	}
	builder.WithReader(reader).WithWriter(writer).WithLogger(pl.logger)

	for _, stage := range cfg.Stages {
		members := make([]ports.Step, len(stage.Steps))
		for i, ref := range stage.Steps {
			members[i] = steps[ref]
		}
		switch stage.Kind {
		case "bag":
			err = builder.AddBag(stage.Name, members...)
		default:
			err = builder.AddSubpipe(stage.Name, members...)
		}
		if err != nil {
			return nil, err
		}
	}

	return builder.Build()
}

// parseDefinition decodes the YAML strictly and normalizes the settings.
func parseDefinition(data []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Settings.Normalize()
	return &cfg, nil
}

// configHash returns the hex SHA-256 of the re-marshaled definition.
func configHash(cfg *PipelineConfig) (string, error) {
	normalized, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}
