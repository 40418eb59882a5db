// Package transform implements the transformation stages of a pipeline:
// filter, map, aggregate, join and custom.
//
// A stage is a function of (batch, config) to (batch, record errors). A bad
// record never aborts the batch: it is reported as an errhandling.RecordError
// and left out of the result. The error return of Apply is reserved for
// whole-stage failures such as reading a join's secondary source, which the
// resilience wrapper retries and degrades.
//
// No stage emits more records than it receives, so records that are neither
// in the output nor reported as errors were removed on purpose (filtered,
// grouped or unmatched).
package transform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/internal/logger"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// Stage applies one transformation to a batch. Implementations do not
// modify the input batch. A Stage instance belongs to a single run.
type Stage interface {
	Name() string
	Type() pipeline.TransformationType
	Apply(ctx context.Context, batch pipeline.Batch) (pipeline.Batch, []*errhandling.RecordError, error)
}

// RecordFunc is a named Go function usable from a custom stage. It receives
// a copy of the record and the stage's params.
type RecordFunc func(record pipeline.Record, params map[string]interface{}) (pipeline.Record, error)

// Env carries the collaborators a stage may need at construction or apply time.
type Env struct {
	// Function resolves custom functions by name. Nil means built-ins only.
	Function func(name string) (RecordFunc, bool)

	// ReadSource reads a join's secondary source. Nil disables source joins.
	ReadSource func(ctx context.Context, src pipeline.DataSource) (pipeline.Batch, error)
}

func (e Env) lookup(name string) (RecordFunc, bool) {
	if e.Function != nil {
		if fn, ok := e.Function(name); ok {
			return fn, true
		}
	}
	fn, ok := Builtins()[name]
	return fn, ok
}

// New builds the stage described by t. Configuration problems are returned
// as errhandling.ConfigurationError.
func New(t pipeline.Transformation, env Env) (Stage, error) {
	base := stageBase{name: t.StageName(), typ: t.Type, order: t.Order}
	cfg := config{stage: base.name, values: t.Config}

	var (
		stage Stage
		err   error
	)
	switch t.Type {
	case pipeline.TransformFilter:
		stage, err = newFilter(base, cfg)
	case pipeline.TransformMap:
		stage, err = newMap(base, cfg)
	case pipeline.TransformAggregate:
		stage, err = newAggregate(base, cfg)
	case pipeline.TransformJoin:
		stage, err = newJoin(base, cfg, env)
	case pipeline.TransformCustom:
		stage, err = newCustom(base, cfg, env)
	default:
		return nil, errhandling.NewConfigurationError(base.name+".type", "unknown transformation type %q", t.Type)
	}
	if err != nil {
		return nil, err
	}

	logger.Debug("transformation stage initialized",
		slog.String("stage", base.name),
		slog.String("stage_type", string(t.Type)),
		slog.Int("stage_order", t.Order),
	)
	return stage, nil
}

// stageBase holds the identity shared by every stage.
type stageBase struct {
	name  string
	typ   pipeline.TransformationType
	order int
}

func (b stageBase) Name() string                      { return b.name }
func (b stageBase) Type() pipeline.TransformationType { return b.typ }

func (b stageBase) recordError(index int, err error) *errhandling.RecordError {
	return errhandling.NewRecordError(b.name, index, err)
}

// config reads typed values from a transformation's opaque config map.
type config struct {
	stage  string
	values map[string]interface{}
}

func (c config) invalid(key, format string, args ...interface{}) error {
	return errhandling.NewConfigurationError(c.stage+".config."+key, format, args...)
}

func (c config) has(key string) bool {
	_, ok := c.values[key]
	return ok
}

func (c config) getString(key string) (string, error) {
	v, ok := c.values[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", c.invalid(key, "must be a string, got %T", v)
	}
	return s, nil
}

func (c config) getBool(key string) (bool, error) {
	v, ok := c.values[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, c.invalid(key, "must be a boolean, got %T", v)
	}
	return b, nil
}

func (c config) getStrings(key string) ([]string, error) {
	v, ok := c.values[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case string:
		return []string{list}, nil
	case []interface{}:
		out := make([]string, 0, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, c.invalid(fmt.Sprintf("%s[%d]", key, i), "must be a string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, c.invalid(key, "must be a list of strings, got %T", v)
}

func (c config) getObject(key string) (map[string]interface{}, error) {
	v, ok := c.values[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, c.invalid(key, "must be an object, got %T", v)
	}
	return m, nil
}

func (c config) getRecords(key string) (pipeline.Batch, error) {
	v, ok := c.values[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []map[string]interface{}:
		return pipeline.CloneBatch(list), nil
	case []interface{}:
		out := make(pipeline.Batch, 0, len(list))
		for i, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, c.invalid(fmt.Sprintf("%s[%d]", key, i), "must be an object, got %T", item)
			}
			out = append(out, pipeline.CloneRecord(m))
		}
		return out, nil
	}
	return nil, c.invalid(key, "must be a list of records, got %T", v)
}
