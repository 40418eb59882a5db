package errhandling

import (
	"errors"
	"fmt"

	"github.com/canectors/dataflow/pkg/pipeline"
)

// Error codes carried by ErrorInfo.
const (
	CodeConfigInvalid     = "CONFIG_INVALID"
	CodeRecordFailed      = "RECORD_FAILED"
	CodeStageFailed       = "STAGE_FAILED"
	CodeFallbackFailed    = "FALLBACK_FAILED"
	CodeQualityGateFailed = "QUALITY_GATE_FAILED"
	CodeCancelled         = "CANCELLED"
	CodeInternal          = "INTERNAL_ERROR"
)

// ConfigurationError reports an invalid pipeline configuration. It is fatal
// and detected before a run is created.
type ConfigurationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Message)
	}
	return "invalid configuration: " + e.Message
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError creates a ConfigurationError for field.
func NewConfigurationError(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// RecordError reports that a single record could not be transformed. Record
// errors are data: they are tallied, never propagated past a stage.
type RecordError struct {
	Stage   string
	Index   int
	Message string
	Err     error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("stage %s: record %d: %s", e.Stage, e.Index, e.Message)
}

func (e *RecordError) Unwrap() error { return e.Err }

// NewRecordError creates a RecordError wrapping err.
func NewRecordError(stage string, index int, err error) *RecordError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &RecordError{Stage: stage, Index: index, Message: msg, Err: err}
}

// StageError reports a whole-stage failure, typically I/O against a source
// or destination. Class selects the fallback; Permanent disables retries.
type StageError struct {
	Stage     string
	Class     pipeline.FailureClass
	Message   string
	Permanent bool
	Err       error
}

func (e *StageError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Stage != "" {
		return fmt.Sprintf("stage %s failed: %s", e.Stage, msg)
	}
	return "stage failed: " + msg
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps err as a StageError, keeping any failure class already
// attached to err.
func NewStageError(stage string, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		if se.Stage == "" {
			se.Stage = stage
		}
		return se
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &StageError{Stage: stage, Class: FailureClassOf(err), Message: msg, Err: err}
}

// QualityGateError reports that a checkpoint score fell below its hard threshold.
type QualityGateError struct {
	Checkpoint int
	Score      float64
	Threshold  float64
}

func (e *QualityGateError) Error() string {
	return fmt.Sprintf("quality gate at checkpoint %d failed: score %.4f below threshold %.4f",
		e.Checkpoint, e.Score, e.Threshold)
}

// CancellationError reports that a run was cancelled or hit its deadline.
type CancellationError struct {
	Stage string
	Err   error
}

func (e *CancellationError) Error() string {
	cause := "cancelled"
	if e.Err != nil {
		cause = "cancelled: " + e.Err.Error()
	}
	if e.Stage != "" {
		return fmt.Sprintf("stage %s %s", e.Stage, cause)
	}
	return "run " + cause
}

func (e *CancellationError) Unwrap() error { return e.Err }

// KindOf returns the taxonomy kind of err. Unrecognised errors are stage errors.
func KindOf(err error) pipeline.ErrorKind {
	var cfgErr *ConfigurationError
	var recErr *RecordError
	var gateErr *QualityGateError
	var cancelErr *CancellationError
	switch {
	case errors.As(err, &cancelErr):
		return pipeline.ErrorKindCancellation
	case errors.As(err, &cfgErr):
		return pipeline.ErrorKindConfiguration
	case errors.As(err, &gateErr):
		return pipeline.ErrorKindQualityGate
	case errors.As(err, &recErr):
		return pipeline.ErrorKindRecord
	default:
		return pipeline.ErrorKindStage
	}
}

// ToErrorInfo converts err into the ErrorInfo stored on a run.
func ToErrorInfo(err error) *pipeline.ErrorInfo {
	if err == nil {
		return nil
	}
	info := &pipeline.ErrorInfo{
		Kind:    KindOf(err),
		Message: err.Error(),
	}

	var cfgErr *ConfigurationError
	var gateErr *QualityGateError
	var cancelErr *CancellationError
	var stageErr *StageError
	switch {
	case errors.As(err, &cancelErr):
		info.Code = CodeCancelled
		info.Stage = cancelErr.Stage
	case errors.As(err, &cfgErr):
		info.Code = CodeConfigInvalid
		if cfgErr.Field != "" {
			info.Details = map[string]interface{}{"field": cfgErr.Field}
		}
	case errors.As(err, &gateErr):
		info.Code = CodeQualityGateFailed
		info.Details = map[string]interface{}{
			"checkpoint": gateErr.Checkpoint,
			"score":      gateErr.Score,
			"threshold":  gateErr.Threshold,
		}
	case errors.As(err, &stageErr):
		info.Code = CodeStageFailed
		info.Stage = stageErr.Stage
		info.FailureClass = stageErr.Class
	default:
		info.Code = CodeInternal
		info.FailureClass = FailureClassOf(err)
	}
	return info
}
