package transform

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/internal/logger"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// Filter error handling modes
const (
	// OnErrorRecord reports the record as a RecordError (default).
	OnErrorRecord = "record"
	// OnErrorSkip drops the record as if the predicate were false.
	OnErrorSkip = "skip"
	// OnErrorKeep keeps the record as if the predicate were true.
	OnErrorKeep = "keep"
)

// filterStage keeps the records for which an expression is true.
//
// Config:
//
//	expression: "amount > 0"   # expr-lang predicate over record fields
//	onError: record | skip | keep
type filterStage struct {
	stageBase
	expression string
	program    *vm.Program
	onError    string
}

func newFilter(base stageBase, cfg config) (Stage, error) {
	expression, err := cfg.getString("expression")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(expression) == "" {
		return nil, cfg.invalid("expression", "is required")
	}
	program, err := compileExpression(cfg, "expression", expression)
	if err != nil {
		return nil, err
	}

	onError, err := cfg.getString("onError")
	if err != nil {
		return nil, err
	}
	switch onError {
	case "":
		onError = OnErrorRecord
	case OnErrorRecord, OnErrorSkip, OnErrorKeep:
	default:
		return nil, cfg.invalid("onError", "must be one of record, skip, keep (got %q)", onError)
	}

	return &filterStage{stageBase: base, expression: expression, program: program, onError: onError}, nil
}

func (f *filterStage) Apply(ctx context.Context, batch pipeline.Batch) (pipeline.Batch, []*errhandling.RecordError, error) {
	out := make(pipeline.Batch, 0, len(batch))
	var recordErrs []*errhandling.RecordError

	for i, record := range batch {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		result, err := expr.Run(f.program, record)
		if err != nil {
			switch f.onError {
			case OnErrorSkip:
				logger.Debug("filter expression failed, dropping record",
					slog.String("stage", f.name),
					slog.Int("record_index", i),
					slog.String("error", err.Error()),
				)
			case OnErrorKeep:
				out = append(out, pipeline.CloneRecord(record))
			default:
				recordErrs = append(recordErrs, f.recordError(i, fmt.Errorf("evaluating %q: %w", f.expression, err)))
			}
			continue
		}

		if truthy(result) {
			out = append(out, pipeline.CloneRecord(record))
		}
	}
	return out, recordErrs, nil
}

// compileExpression compiles an expr-lang expression. Missing fields
// evaluate to nil rather than failing compilation.
func compileExpression(cfg config, key, expression string) (*vm.Program, error) {
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, cfg.invalid(key, "invalid expression %q: %v", expression, err)
	}
	return program, nil
}

// truthy converts an expression result to a boolean.
func truthy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v != ""
	default:
		return true
	}
}
