package transform

import (
	"context"
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/internal/pathutil"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// mapStage computes fields on every record.
//
// Config:
//
//	fields:              # target path -> expression over the input record
//	  total: price * qty
//	  customer.tier: "spend > 1000 ? 'gold' : 'standard'"
//	rename: {old: new}   # applied after computed fields
//	drop: [internal_id]  # applied last
//
// Expressions see the record as it was before the stage. A record whose
// computation fails is reported and excluded.
type mapStage struct {
	stageBase
	fields []computedField
	rename [][2]string
	drop   []string
}

type computedField struct {
	target     string
	expression string
	program    *vm.Program
}

func newMap(base stageBase, cfg config) (Stage, error) {
	fields, err := cfg.getObject("fields")
	if err != nil {
		return nil, err
	}
	rename, err := cfg.getObject("rename")
	if err != nil {
		return nil, err
	}
	drop, err := cfg.getStrings("drop")
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 && len(rename) == 0 && len(drop) == 0 {
		return nil, cfg.invalid("fields", "a map stage needs at least one of fields, rename or drop")
	}

	m := &mapStage{stageBase: base, drop: drop}

	targets := sortedKeys(fields)
	for _, target := range targets {
		expression, ok := fields[target].(string)
		if !ok {
			return nil, cfg.invalid("fields."+target, "must be an expression string, got %T", fields[target])
		}
		program, err := compileExpression(cfg, "fields."+target, expression)
		if err != nil {
			return nil, err
		}
		m.fields = append(m.fields, computedField{target: target, expression: expression, program: program})
	}

	for _, from := range sortedKeys(rename) {
		to, ok := rename[from].(string)
		if !ok || to == "" {
			return nil, cfg.invalid("rename."+from, "must be a non-empty field name")
		}
		m.rename = append(m.rename, [2]string{from, to})
	}
	return m, nil
}

func (m *mapStage) Apply(ctx context.Context, batch pipeline.Batch) (pipeline.Batch, []*errhandling.RecordError, error) {
	out := make(pipeline.Batch, 0, len(batch))
	var recordErrs []*errhandling.RecordError

	for i, record := range batch {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		mapped, err := m.apply(record)
		if err != nil {
			recordErrs = append(recordErrs, m.recordError(i, err))
			continue
		}
		out = append(out, mapped)
	}
	return out, recordErrs, nil
}

func (m *mapStage) apply(record pipeline.Record) (pipeline.Record, error) {
	result := pipeline.CloneRecord(record)
	if result == nil {
		result = pipeline.Record{}
	}

	for _, f := range m.fields {
		value, err := expr.Run(f.program, record)
		if err != nil {
			return nil, fmt.Errorf("computing %s = %s: %w", f.target, f.expression, err)
		}
		if err := pathutil.Set(result, f.target, value); err != nil {
			return nil, fmt.Errorf("setting %s: %w", f.target, err)
		}
	}

	for _, r := range m.rename {
		value, ok := pathutil.Get(result, r[0])
		if !ok {
			continue
		}
		pathutil.Delete(result, r[0])
		if err := pathutil.Set(result, r[1], value); err != nil {
			return nil, fmt.Errorf("renaming %s to %s: %w", r[0], r[1], err)
		}
	}

	for _, field := range m.drop {
		pathutil.Delete(result, field)
	}
	return result, nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
