package runtime

import (
	"fmt"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/internal/resilience"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// Reserved stage names
const (
	StageSource      = "source"
	StageDestination = "destination"
)

// ValidateConfig checks the structure of a pipeline configuration without
// resolving adapters. It returns the first problem as an
// errhandling.ConfigurationError.
func ValidateConfig(cfg *pipeline.PipelineConfig) error {
	if cfg == nil {
		return errhandling.NewConfigurationError("", "pipeline configuration is nil")
	}
	if cfg.ID == "" {
		return errhandling.NewConfigurationError("id", "is required")
	}
	if cfg.Source.Type == "" {
		return errhandling.NewConfigurationError("source.type", "is required")
	}
	if cfg.Destination.Type == "" && !cfg.DryRun {
		return errhandling.NewConfigurationError("destination.type", "is required")
	}
	if cfg.Timeout < 0 {
		return errhandling.NewConfigurationError("timeout", "must be >= 0")
	}

	if err := validateTransformations(cfg.Transformations); err != nil {
		return err
	}
	if err := validateSchema(cfg.Schema); err != nil {
		return err
	}
	if err := validateRules(cfg.Rules); err != nil {
		return err
	}
	for i, cp := range cfg.Checkpoints {
		field := fmt.Sprintf("checkpoints[%d]", i)
		if cp.Index < 0 || cp.Index >= len(cfg.Transformations) {
			return errhandling.NewConfigurationError(field+".index",
				"must reference a transformation position between 0 and %d", len(cfg.Transformations)-1)
		}
		if cp.HardThreshold < 0 || cp.HardThreshold > 1 {
			return errhandling.NewConfigurationError(field+".hardThreshold", "must be between 0 and 1")
		}
	}

	if err := errhandling.RetryConfigFromPolicy(cfg.Retry).Validate(); err != nil {
		return errhandling.NewConfigurationError("retry", "%v", err)
	}
	if cfg.CircuitBreaker.FailureThreshold < 0 {
		return errhandling.NewConfigurationError("circuitBreaker.failureThreshold", "must be >= 0")
	}
	if cfg.CircuitBreaker.RecoveryTimeout < 0 {
		return errhandling.NewConfigurationError("circuitBreaker.recoveryTimeout", "must be >= 0")
	}
	if _, err := resilience.NewFallbackTable(cfg.Fallbacks); err != nil {
		return errhandling.NewConfigurationError("fallbacks", "%v", err)
	}
	return nil
}

func validateTransformations(ts []pipeline.Transformation) error {
	orders := make(map[int]int, len(ts))
	names := make(map[string]int, len(ts))
	for i, t := range ts {
		field := fmt.Sprintf("transformations[%d]", i)
		if _, err := pipeline.ParseTransformationType(string(t.Type)); err != nil {
			return errhandling.NewConfigurationError(field+".type", "%v", err)
		}
		if prev, dup := orders[t.Order]; dup {
			return errhandling.NewConfigurationError(field+".order",
				"order %d is already used by transformations[%d]", t.Order, prev)
		}
		orders[t.Order] = i

		name := t.StageName()
		if name == StageSource || name == StageDestination {
			return errhandling.NewConfigurationError(field+".name", "%q is reserved", name)
		}
		if prev, dup := names[name]; dup {
			return errhandling.NewConfigurationError(field+".name",
				"stage name %q is already used by transformations[%d]", name, prev)
		}
		names[name] = i
	}
	return nil
}

func validateSchema(schema *pipeline.DataSchema) error {
	if schema == nil {
		return nil
	}
	seen := make(map[string]bool, len(schema.Fields))
	for i, f := range schema.Fields {
		field := fmt.Sprintf("schema.fields[%d]", i)
		if f.Name == "" {
			return errhandling.NewConfigurationError(field+".name", "is required")
		}
		if seen[f.Name] {
			return errhandling.NewConfigurationError(field+".name", "duplicate field %q", f.Name)
		}
		seen[f.Name] = true
		if _, err := pipeline.ParseFieldType(string(f.Type)); err != nil {
			return errhandling.NewConfigurationError(field+".type", "%v", err)
		}
	}
	return nil
}

func validateRules(rules []pipeline.QualityRule) error {
	for i, r := range rules {
		field := fmt.Sprintf("rules[%d]", i)
		if r.Name == "" {
			return errhandling.NewConfigurationError(field+".name", "is required")
		}
		if _, err := pipeline.ParseRuleType(string(r.Type)); err != nil {
			return errhandling.NewConfigurationError(field+".type", "%v", err)
		}
		if _, err := pipeline.ParseSeverity(string(r.Severity)); err != nil {
			return errhandling.NewConfigurationError(field+".severity", "%v", err)
		}
		if r.Threshold < 0 || r.Threshold > 1 {
			return errhandling.NewConfigurationError(field+".threshold", "must be between 0 and 1")
		}
		if r.Weight < 0 {
			return errhandling.NewConfigurationError(field+".weight", "must be >= 0")
		}
	}
	return nil
}
