package application

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Package-level validator instance shared by Config and the loader. Uses
// go-playground/validator v10 for struct tag-based validation; the
// definition schema's `semver` tag is the library's built-in one.
var validate = validator.New()

// validateDefinition applies the semantic rules a struct tag can't express:
// unique step IDs, unique stage names, and stage members that reference
// declared steps.
func validateDefinition(cfg *PipelineConfig) error {
	stepIDs := make(map[string]struct{}, len(cfg.Steps))
	for _, step := range cfg.Steps {
		if _, exists := stepIDs[step.ID]; exists {
			return fmt.Errorf("duplicate step id %q", step.ID)
		}
		stepIDs[step.ID] = struct{}{}
	}

	stageNames := make(map[string]struct{}, len(cfg.Stages))
	for _, stage := range cfg.Stages {
		if _, exists := stageNames[stage.Name]; exists {
			return fmt.Errorf("duplicate stage name %q", stage.Name)
		}
		stageNames[stage.Name] = struct{}{}

		seen := make(map[string]struct{}, len(stage.Steps))
		for _, ref := range stage.Steps {
			if _, ok := stepIDs[ref]; !ok {
				return fmt.Errorf("stage %q references undeclared step %q", stage.Name, ref)
			}
			if _, dup := seen[ref]; dup {
				return fmt.Errorf("stage %q lists step %q twice", stage.Name, ref)
			}
			seen[ref] = struct{}{}
		}
	}

	return nil
}
