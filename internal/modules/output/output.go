// Package output provides the destination adapters that receive a run's
// final batch: console, file, SQL table, HTTP endpoint and an in-process
// memory store.
package output

import (
	"context"
	"errors"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// Destination type names
const (
	TypeConsole = "console"
	TypeFile    = "file"
	TypeSQL     = "sql"
	TypeHTTP    = "http"
	TypeMemory  = "memory"
)

// ErrNotRevertible is returned by Revert when the destination cannot undo
// a run's writes with its current configuration.
var ErrNotRevertible = errors.New("destination writes cannot be reverted")

// Destination receives the final batch of a run.
type Destination interface {
	// Write stores batch. The run id is available through RunIDFromContext.
	Write(ctx context.Context, batch pipeline.Batch) (pipeline.LoadResult, error)

	// Close releases any resources held by the destination.
	Close() error
}

// Reverter is implemented by destinations that can undo a completed run's
// writes. It returns the number of records removed.
type Reverter interface {
	Revert(ctx context.Context, runID string) (int, error)
}

type runIDKey struct{}

// WithRunID attaches the id of the run performing a write.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run id set by WithRunID, or "".
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// options reads typed values from an adapter's config map.
type options map[string]interface{}

func (o options) invalid(key, format string, args ...interface{}) error {
	return errhandling.NewConfigurationError("destination.config."+key, format, args...)
}

func (o options) str(key string) string {
	s, _ := o[key].(string)
	return s
}

func (o options) boolean(key string) bool {
	b, _ := o[key].(bool)
	return b
}

func (o options) integer(key string) (int, error) {
	switch v := o[key].(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, o.invalid(key, "must be an integer, got %v", v)
		}
		return int(v), nil
	default:
		return 0, o.invalid(key, "must be an integer, got %T", v)
	}
}

func (o options) strings(key string) ([]string, error) {
	switch v := o[key].(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, o.invalid(key, "must be a list of strings")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, o.invalid(key, "must be a list of strings, got %T", v)
	}
}

// permanent marks err as a non-retryable destination failure.
func permanent(err error) error {
	return &errhandling.StageError{
		Stage:     "destination",
		Class:     pipeline.FailureUnknown,
		Message:   err.Error(),
		Permanent: true,
		Err:       err,
	}
}
