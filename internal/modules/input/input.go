// Package input provides the source adapters that read a pipeline's input
// batch: inline records, files, SQL queries and HTTP endpoints.
//
// Constructors only parse configuration; all I/O happens in Read so that a
// failing source is handled by the resilience wrapper instead of aborting
// configuration.
package input

import (
	"context"
	"fmt"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// Source type names
const (
	TypeInline = "inline"
	TypeFile   = "file"
	TypeSQL    = "sql"
	TypeHTTP   = "http"
)

// Source reads the input batch of a run.
type Source interface {
	// Read returns the records for one run. Failures are classified errors
	// (see errhandling.ClassifyError).
	Read(ctx context.Context, spec pipeline.BatchSpec) (pipeline.Batch, error)

	// Close releases any resources held by the source.
	Close() error
}

// options reads typed values from an adapter's config map.
type options map[string]interface{}

func (o options) invalid(key, format string, args ...interface{}) error {
	return errhandling.NewConfigurationError("source.config."+key, format, args...)
}

func (o options) str(key string) string {
	s, _ := o[key].(string)
	return s
}

// integer accepts both JSON (float64) and YAML (int) numbers.
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

func (o options) object(key string) map[string]interface{} {
	m, _ := o[key].(map[string]interface{})
	return m
}

// limit truncates batch to spec.Limit when set.
func limit(batch pipeline.Batch, spec pipeline.BatchSpec) pipeline.Batch {
	if spec.Limit > 0 && len(batch) > spec.Limit {
		return batch[:spec.Limit]
	}
	return batch
}

// toRecords converts a decoded JSON/YAML array into records.
func toRecords(data interface{}) (pipeline.Batch, error) {
	switch v := data.(type) {
	case []interface{}:
		records := make(pipeline.Batch, 0, len(v))
		for i, item := range v {
			record, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("element %d is %T, expected an object", i, item)
			}
			records = append(records, record)
		}
		return records, nil
	case []map[string]interface{}:
		return v, nil
	default:
		return nil, fmt.Errorf("expected an array of records, got %T", data)
	}
}

// permanent marks err as a non-retryable source failure.
func permanent(err error) error {
	return &errhandling.StageError{
		Stage:     "source",
		Class:     pipeline.FailureUnknown,
		Message:   err.Error(),
		Permanent: true,
		Err:       err,
	}
}
