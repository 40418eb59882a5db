package errhandling

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/canectors/dataflow/pkg/pipeline"
)

type selfClassified struct{}

func (selfClassified) Error() string                       { return "db down" }
func (selfClassified) FailureClass() pipeline.FailureClass { return pipeline.FailureDatabaseUnavailable }
func (selfClassified) IsRetryable() bool                   { return true }

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status    int
		class     pipeline.FailureClass
		retryable bool
	}{
		{408, pipeline.FailureAPITimeout, true},
		{504, pipeline.FailureAPITimeout, true},
		{429, pipeline.FailureServiceUnavailable, true},
		{500, pipeline.FailureServiceUnavailable, true},
		{503, pipeline.FailureServiceUnavailable, true},
		{400, pipeline.FailureUnknown, false},
		{404, pipeline.FailureUnknown, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			got := ClassifyHTTPStatus(tt.status, "")
			if got.Class != tt.class {
				t.Errorf("Class = %s, want %s", got.Class, tt.class)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", got.Retryable, tt.retryable)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		class     pipeline.FailureClass
		retryable bool
	}{
		{"deadline", context.DeadlineExceeded, pipeline.FailureAPITimeout, true},
		{"canceled", context.Canceled, pipeline.FailureUnknown, false},
		{"bad conn", fmt.Errorf("query: %w", driver.ErrBadConn), pipeline.FailureDatabaseUnavailable, true},
		{"op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, pipeline.FailureServiceUnavailable, true},
		{"dns error", &net.DNSError{Name: "api.local"}, pipeline.FailureServiceUnavailable, true},
		{"self classified", fmt.Errorf("wrapped: %w", selfClassified{}), pipeline.FailureDatabaseUnavailable, true},
		{"stage error", &StageError{Stage: "x", Class: pipeline.FailureAPITimeout}, pipeline.FailureAPITimeout, true},
		{"configuration", NewConfigurationError("source", "missing"), pipeline.FailureUnknown, false},
		{"cancellation", &CancellationError{Err: context.Canceled}, pipeline.FailureUnknown, false},
		{"plain", errors.New("boom"), pipeline.FailureUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.err)
			if got.Class != tt.class {
				t.Errorf("Class = %s, want %s", got.Class, tt.class)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", got.Retryable, tt.retryable)
			}
		})
	}
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	orig := errors.New("root")
	err := NewDatabaseUnavailableError("lost", orig)
	if !errors.Is(err, orig) {
		t.Error("ClassifiedError should unwrap to the original error")
	}
	if IsRetryable(nil) {
		t.Error("nil error must not be retryable")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want pipeline.ErrorKind
	}{
		{NewConfigurationError("transformations", "duplicate order 1"), pipeline.ErrorKindConfiguration},
		{NewRecordError("map-1", 3, errors.New("bad")), pipeline.ErrorKindRecord},
		{&StageError{Stage: "source"}, pipeline.ErrorKindStage},
		{&QualityGateError{Checkpoint: 0, Score: 0.7, Threshold: 0.9}, pipeline.ErrorKindQualityGate},
		{fmt.Errorf("run: %w", &CancellationError{Err: context.Canceled}), pipeline.ErrorKindCancellation},
		{errors.New("other"), pipeline.ErrorKindStage},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestToErrorInfo(t *testing.T) {
	if ToErrorInfo(nil) != nil {
		t.Error("nil error should produce nil info")
	}

	info := ToErrorInfo(&CancellationError{Stage: "map-2", Err: context.DeadlineExceeded})
	if info.Code != CodeCancelled || info.Kind != pipeline.ErrorKindCancellation || info.Stage != "map-2" {
		t.Errorf("cancellation info = %+v", info)
	}

	info = ToErrorInfo(&QualityGateError{Checkpoint: 1, Score: 0.7, Threshold: 0.9})
	if info.Code != CodeQualityGateFailed || info.Details["threshold"] != 0.9 {
		t.Errorf("quality gate info = %+v", info)
	}

	info = ToErrorInfo(NewStageError("source", NewDatabaseUnavailableError("down", nil)))
	if info.Code != CodeStageFailed || info.FailureClass != pipeline.FailureDatabaseUnavailable {
		t.Errorf("stage info = %+v", info)
	}
}

func TestNewStageErrorKeepsExisting(t *testing.T) {
	inner := &StageError{Class: pipeline.FailureAPITimeout, Message: "slow"}
	got := NewStageError("join-3", fmt.Errorf("wrapped: %w", inner))
	if got != inner || got.Stage != "join-3" {
		t.Errorf("NewStageError should reuse the wrapped StageError, got %+v", got)
	}
}
