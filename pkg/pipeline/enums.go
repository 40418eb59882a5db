package pipeline

import (
	"fmt"
	"strings"
)

// TransformationType is the closed set of transformation kinds.
type TransformationType string

const (
	TransformFilter    TransformationType = "filter"
	TransformMap       TransformationType = "map"
	TransformAggregate TransformationType = "aggregate"
	TransformJoin      TransformationType = "join"
	TransformCustom    TransformationType = "custom"
)

// TransformationTypes lists every transformation type.
var TransformationTypes = []TransformationType{
	TransformFilter, TransformMap, TransformAggregate, TransformJoin, TransformCustom,
}

// ParseTransformationType returns the transformation type named s.
func ParseTransformationType(s string) (TransformationType, error) {
	for _, t := range TransformationTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown transformation type %q", s)
}

// RuleType is the closed set of quality dimensions.
type RuleType string

const (
	RuleCompleteness RuleType = "completeness"
	RuleUniqueness   RuleType = "uniqueness"
	RuleValidity     RuleType = "validity"
	RuleConsistency  RuleType = "consistency"
	RuleAccuracy     RuleType = "accuracy"
)

// RuleTypes lists every rule type in report order.
var RuleTypes = []RuleType{
	RuleCompleteness, RuleUniqueness, RuleValidity, RuleConsistency, RuleAccuracy,
}

// ParseRuleType returns the rule type named s.
func ParseRuleType(s string) (RuleType, error) {
	for _, t := range RuleTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown quality rule type %q", s)
}

// Severity is the closed set of rule severities.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity returns the severity named s.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Rank orders severities from low (1) to critical (4). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// DimensionStatus is the verdict of a quality dimension.
type DimensionStatus string

const (
	DimensionPassed  DimensionStatus = "passed"
	DimensionWarning DimensionStatus = "warning"
	DimensionFailed  DimensionStatus = "failed"
)

// RunStatus is the lifecycle state of a PipelineRun.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunRunning    RunStatus = "running"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunRolledBack RunStatus = "rolled_back"
)

// ParseRunStatus returns the run status named s.
func ParseRunStatus(s string) (RunStatus, error) {
	switch RunStatus(s) {
	case RunPending, RunRunning, RunCompleted, RunFailed, RunRolledBack:
		return RunStatus(s), nil
	}
	return "", fmt.Errorf("unknown run status %q", s)
}

// IsTerminal reports whether no further transition except rollback is possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunRolledBack
}

// CanTransition reports whether a run may move from s to next.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunPending:
		return next == RunRunning || next == RunFailed
	case RunRunning:
		return next == RunCompleted || next == RunFailed
	case RunCompleted:
		return next == RunRolledBack
	}
	return false
}

// FailureClass classifies why a stage invocation failed. Every class has an
// entry in a fallback table.
type FailureClass string

const (
	FailureDatabaseUnavailable FailureClass = "database_unavailable"
	FailureAPITimeout          FailureClass = "api_timeout"
	FailureServiceUnavailable  FailureClass = "service_unavailable"
	FailureCircuitOpen         FailureClass = "circuit_open"
	FailureUnknown             FailureClass = "unknown"
)

// FailureClasses lists every failure class.
var FailureClasses = []FailureClass{
	FailureDatabaseUnavailable,
	FailureAPITimeout,
	FailureServiceUnavailable,
	FailureCircuitOpen,
	FailureUnknown,
}

// ParseFailureClass returns the failure class named s.
func ParseFailureClass(s string) (FailureClass, error) {
	for _, c := range FailureClasses {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown failure class %q", s)
}

// FallbackStrategy names what the resilience wrapper returns when a stage
// cannot produce a primary result.
type FallbackStrategy string

const (
	FallbackCachedSnapshot   FallbackStrategy = "serve_cached_snapshot"
	FallbackPartialResult    FallbackStrategy = "local_partial_result"
	FallbackReadOnlyDegraded FallbackStrategy = "degraded_read_only_result"
	FallbackFail             FallbackStrategy = "fail"
)

// ParseFallbackStrategy returns the strategy named s.
func ParseFallbackStrategy(s string) (FallbackStrategy, error) {
	switch FallbackStrategy(s) {
	case FallbackCachedSnapshot, FallbackPartialResult, FallbackReadOnlyDegraded, FallbackFail:
		return FallbackStrategy(s), nil
	}
	return "", fmt.Errorf("unknown fallback strategy %q", s)
}

// BreakerState is the state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrorKind is the taxonomy of run errors.
type ErrorKind string

const (
	ErrorKindConfiguration ErrorKind = "configuration"
	ErrorKindRecord        ErrorKind = "record"
	ErrorKindStage         ErrorKind = "stage"
	ErrorKindQualityGate   ErrorKind = "quality_gate"
	ErrorKindCancellation  ErrorKind = "cancellation"
)

// FieldType is the declared type of a schema field.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldInteger   FieldType = "integer"
	FieldNumber    FieldType = "number"
	FieldBoolean   FieldType = "boolean"
	FieldTimestamp FieldType = "timestamp"
	FieldObject    FieldType = "object"
	FieldArray     FieldType = "array"
)

// ParseFieldType returns the field type named s (case-insensitive).
func ParseFieldType(s string) (FieldType, error) {
	switch FieldType(strings.ToLower(s)) {
	case FieldString, FieldInteger, FieldNumber, FieldBoolean, FieldTimestamp, FieldObject, FieldArray:
		return FieldType(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("unknown field type %q", s)
}
