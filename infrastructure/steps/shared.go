// Package steps provides the built-in transformation steps that implement
// the ports.Step interface for the recpipe engine.
package steps

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

// Common errors returned by step constructors.
var (
	// ErrEmptyStepName is returned when attempting to create a step with an
	// empty name.
	ErrEmptyStepName = errors.New("step name cannot be empty")

	// ErrMissingField is returned when a required configuration field is
	// absent.
	ErrMissingField = errors.New("missing required configuration field")
)

// Package-level validator instance for step configuration validation.
// Uses go-playground/validator v10 for struct tag-based validation.
var validate = validator.New()

// stringParam reads an optional string parameter from a factory config map.
func stringParam(config map[string]any, key string) (string, bool) {
	v, ok := config[key].(string)
	return v, ok
}

// stringsParam reads an optional string-slice parameter, accepting both
// []string and the []any YAML decoding produces.
func stringsParam(config map[string]any, key string) ([]string, bool) {
	switch v := config[key].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// intParam reads an optional integer parameter, accepting the int and
// float64 forms YAML and JSON decoding produce.
func intParam(config map[string]any, key string) (int, bool) {
	switch v := config[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// boolParam reads an optional boolean parameter.
func boolParam(config map[string]any, key string) (bool, bool) {
	v, ok := config[key].(bool)
	return v, ok
}
