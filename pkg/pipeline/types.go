// Package pipeline provides the public data model of the dataflow engine.
// It is importable by external collaborators (dashboards, notifiers, schedulers)
// that consume PipelineRun records and QualityReports or build PipelineConfigs.
package pipeline

import (
	"strconv"
	"time"
)

// Record is a single row flowing through a pipeline.
type Record = map[string]interface{}

// Batch is an ordered collection of records processed by one run.
type Batch = []Record

// PipelineConfig describes a complete pipeline: where records come from,
// the ordered transformations applied to them, the quality rules checked at
// checkpoints, and the fault-tolerance policies applied to every stage.
// A PipelineConfig is copied by the engine when a run starts and is never
// mutated afterwards.
type PipelineConfig struct {
	// ID is the unique identifier for this pipeline
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable name of the pipeline
	Name string `json:"name" yaml:"name"`

	// Description provides additional context about the pipeline
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Version is the pipeline configuration version
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Source describes where the input batch is read from
	Source DataSource `json:"source" yaml:"source"`

	// Transformations are executed in ascending Order
	Transformations []Transformation `json:"transformations,omitempty" yaml:"transformations,omitempty"`

	// Destination describes where the final batch is written
	Destination DataDestination `json:"destination" yaml:"destination"`

	// Retry configures the retry loop applied to every stage
	Retry RetryPolicy `json:"retry" yaml:"retry"`

	// CircuitBreaker configures the per-stage circuit breaker
	CircuitBreaker CircuitBreakerPolicy `json:"circuitBreaker" yaml:"circuitBreaker"`

	// Fallbacks overrides the default failure class to fallback strategy table
	Fallbacks map[FailureClass]FallbackStrategy `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`

	// Schema declares the expected shape of records, used by validity rules
	Schema *DataSchema `json:"schema,omitempty" yaml:"schema,omitempty"`

	// Rules is the quality rule set evaluated at every checkpoint
	Rules []QualityRule `json:"rules,omitempty" yaml:"rules,omitempty"`

	// Checkpoints are positions in the transformation sequence where validation runs
	Checkpoints []Checkpoint `json:"checkpoints,omitempty" yaml:"checkpoints,omitempty"`

	// Timeout is the per-run deadline (zero means the engine default)
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Schedule is a CRON expression consumed by the external scheduler
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`

	// DryRun skips the destination write
	DryRun bool `json:"dryRun,omitempty" yaml:"dryRun,omitempty"`
}

// Transformation is one ordered stage of a pipeline.
type Transformation struct {
	// Name identifies the stage in logs and run outcomes (defaults to "<type>-<order>")
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Type selects the transformation semantics
	Type TransformationType `json:"type" yaml:"type"`

	// Order defines the execution sequence; values must be unique
	Order int `json:"order" yaml:"order"`

	// Config holds the type-specific parameters
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// StageName returns the configured name or a name derived from type and order.
func (t Transformation) StageName() string {
	if t.Name != "" {
		return t.Name
	}
	return string(t.Type) + "-" + strconv.Itoa(t.Order)
}

// DataSource describes where the input batch comes from.
type DataSource struct {
	// Type selects the source adapter (inline, file, sql, http)
	Type string `json:"type" yaml:"type"`

	// Config holds adapter-specific parameters
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// DataDestination describes where the final batch is written.
type DataDestination struct {
	// Type selects the destination adapter (console, file, sql, memory)
	Type string `json:"type" yaml:"type"`

	// Config holds adapter-specific parameters
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// BatchSpec is passed to a source when reading the input batch.
type BatchSpec struct {
	PipelineID  string
	RunID       string
	TriggerTime time.Time
	Limit       int
}

// LoadResult is returned by a destination after a write.
type LoadResult struct {
	RecordsWritten int    `json:"recordsWritten"`
	Location       string `json:"location,omitempty"`
}

// RetryPolicy configures the retry loop of the resilience wrapper.
type RetryPolicy struct {
	MaxRetries        int           `json:"maxRetries" yaml:"maxRetries"`
	BaseDelay         time.Duration `json:"baseDelay" yaml:"baseDelay"`
	MaxDelay          time.Duration `json:"maxDelay" yaml:"maxDelay"`
	BackoffMultiplier float64       `json:"backoffMultiplier" yaml:"backoffMultiplier"`
}

// CircuitBreakerPolicy configures the per-stage circuit breaker.
type CircuitBreakerPolicy struct {
	FailureThreshold int           `json:"failureThreshold" yaml:"failureThreshold"`
	RecoveryTimeout  time.Duration `json:"recoveryTimeout" yaml:"recoveryTimeout"`
}

// Checkpoint is a position in the execution sequence where the quality
// validator runs. Index is the 0-based position of the preceding stage in
// ascending order. A HardThreshold of zero disables the gate.
type Checkpoint struct {
	Index         int     `json:"index" yaml:"index"`
	HardThreshold float64 `json:"hardThreshold,omitempty" yaml:"hardThreshold,omitempty"`
}

// DataSchema declares the expected fields of a record.
type DataSchema struct {
	Fields []SchemaField `json:"fields" yaml:"fields"`
}

// Field returns the declaration for name, if any.
func (s *DataSchema) Field(name string) (SchemaField, bool) {
	if s == nil {
		return SchemaField{}, false
	}
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return SchemaField{}, false
}

// SchemaField is a single field declaration.
type SchemaField struct {
	Name        string            `json:"name" yaml:"name"`
	Type        FieldType         `json:"type" yaml:"type"`
	Nullable    bool              `json:"nullable,omitempty" yaml:"nullable,omitempty"`
	Constraints *FieldConstraints `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// FieldConstraints are optional value constraints on a schema field.
type FieldConstraints struct {
	Min       *float64      `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64      `json:"max,omitempty" yaml:"max,omitempty"`
	MinLength *int          `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength *int          `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Pattern   string        `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Enum      []interface{} `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// QualityRule is a declarative check evaluated against a batch.
type QualityRule struct {
	Name      string        `json:"name" yaml:"name"`
	Type      RuleType      `json:"type" yaml:"type"`
	Condition RuleCondition `json:"condition" yaml:"condition"`
	Threshold float64       `json:"threshold" yaml:"threshold"`
	Severity  Severity      `json:"severity" yaml:"severity"`

	// Weight within the rule's dimension; zero means 1
	Weight float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// EffectiveWeight returns the rule weight, defaulting to 1.
func (r QualityRule) EffectiveWeight() float64 {
	if r.Weight <= 0 {
		return 1
	}
	return r.Weight
}

// RuleCondition is the predicate a rule measures. Which fields are used
// depends on the rule type.
type RuleCondition struct {
	// Field is the record field the rule applies to
	Field string `json:"field,omitempty" yaml:"field,omitempty"`

	// Fields is the composite key for uniqueness rules
	Fields []string `json:"fields,omitempty" yaml:"fields,omitempty"`

	// Expression is a boolean expression evaluated per record
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// Allowed lists accepted values for accuracy and validity rules
	Allowed []interface{} `json:"allowed,omitempty" yaml:"allowed,omitempty"`

	Min     *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// KeyFields returns the fields forming a uniqueness key.
func (c RuleCondition) KeyFields() []string {
	if len(c.Fields) > 0 {
		return c.Fields
	}
	if c.Field != "" {
		return []string{c.Field}
	}
	return nil
}

// QualityDimension aggregates the rules of one type.
type QualityDimension struct {
	Name      RuleType        `json:"name"`
	Score     float64         `json:"score"`
	Weight    float64         `json:"weight"`
	Status    DimensionStatus `json:"status"`
	RuleCount int             `json:"ruleCount"`
}

// QualityIssue records a failed rule.
type QualityIssue struct {
	Rule      string   `json:"rule"`
	Type      RuleType `json:"type"`
	Severity  Severity `json:"severity"`
	Measured  float64  `json:"measured"`
	Threshold float64  `json:"threshold"`
	Message   string   `json:"message"`
}

// QualityReport is produced once per checkpoint evaluation and never
// modified afterwards.
type QualityReport struct {
	ID           string             `json:"id"`
	RunID        string             `json:"runId"`
	Checkpoint   int                `json:"checkpoint"`
	Timestamp    time.Time          `json:"timestamp"`
	RecordCount  int                `json:"recordCount"`
	OverallScore float64            `json:"overallScore"`
	Dimensions   []QualityDimension `json:"dimensions"`
	Issues       []QualityIssue     `json:"issues"`
}

// Dimension returns the dimension named t, if present.
func (r QualityReport) Dimension(t RuleType) (QualityDimension, bool) {
	for _, d := range r.Dimensions {
		if d.Name == t {
			return d, true
		}
	}
	return QualityDimension{}, false
}

// PipelineRun records one execution of a pipeline. It is owned by the engine
// until it reaches a terminal status and is read-only afterwards.
type PipelineRun struct {
	ID         string    `json:"id"`
	PipelineID string    `json:"pipelineId"`
	Status     RunStatus `json:"status"`

	// Trigger is the time the run was requested (scheduler or caller)
	Trigger time.Time `json:"trigger"`

	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// RecordsProcessed is the size of the input batch
	RecordsProcessed int `json:"recordsProcessed"`

	// RecordsSucceeded is the size of the final batch
	RecordsSucceeded int `json:"recordsSucceeded"`

	// RecordsFailed counts records excluded because of a record error
	RecordsFailed int `json:"recordsFailed"`

	// RecordsFiltered counts records removed without error (filter, aggregate, inner join)
	RecordsFiltered int `json:"recordsFiltered"`

	Checkpoints []QualityReport `json:"checkpoints"`
	Stages      []StageOutcome  `json:"stages"`

	// Degraded is true when any stage completed through a fallback
	Degraded bool `json:"degraded"`

	// ReadOnly is true when a degraded_read_only_result suppressed the destination write
	ReadOnly bool `json:"readOnly,omitempty"`

	// Destination is the destination the run wrote to, kept for rollback.
	// Nil for dry runs.
	Destination *DataDestination `json:"destination,omitempty"`

	Error *ErrorInfo `json:"error,omitempty"`
}

// IsTerminal reports whether the run reached a terminal status.
func (r *PipelineRun) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// LastReport returns the most recent checkpoint report, or nil.
func (r *PipelineRun) LastReport() *QualityReport {
	if len(r.Checkpoints) == 0 {
		return nil
	}
	return &r.Checkpoints[len(r.Checkpoints)-1]
}

// StageOutcome summarises how one stage (source, transformation or
// destination) executed.
type StageOutcome struct {
	Name         string           `json:"name"`
	Type         string           `json:"type"`
	Order        int              `json:"order"`
	Degraded     bool             `json:"degraded"`
	Fallback     FallbackStrategy `json:"fallback,omitempty"`
	FailureClass FailureClass     `json:"failureClass,omitempty"`
	Attempts     int              `json:"attempts"`
	RecordsIn    int              `json:"recordsIn"`
	RecordsOut   int              `json:"recordsOut"`
	RecordErrors int              `json:"recordErrors"`
	Duration     time.Duration    `json:"duration"`
}

// ErrorInfo describes why a run did not complete.
type ErrorInfo struct {
	Kind         ErrorKind              `json:"kind"`
	Code         string                 `json:"code"`
	Message      string                 `json:"message"`
	Stage        string                 `json:"stage,omitempty"`
	FailureClass FailureClass           `json:"failureClass,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// CircuitBreakerState is a snapshot of one breaker.
type CircuitBreakerState struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	OpenedAt            time.Time    `json:"openedAt,omitempty"`
}
