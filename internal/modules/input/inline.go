package input

import (
	"context"

	"github.com/canectors/dataflow/pkg/pipeline"
)

// Inline serves records embedded in the pipeline document.
//
//	source:
//	  type: inline
//	  config:
//	    records: [{id: 1}, {id: 2}]
type Inline struct {
	records pipeline.Batch
}

// NewInline creates an inline source. An empty list is a valid source.
func NewInline(config map[string]interface{}) (*Inline, error) {
	opts := options(config)
	raw, ok := opts["records"]
	if !ok {
		return nil, opts.invalid("records", "is required")
	}
	records, err := toRecords(raw)
	if err != nil {
		return nil, opts.invalid("records", "%v", err)
	}
	return &Inline{records: pipeline.CloneBatch(records)}, nil
}

// Read returns a copy of the configured records.
func (s *Inline) Read(ctx context.Context, spec pipeline.BatchSpec) (pipeline.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return pipeline.CloneBatch(limit(s.records, spec)), nil
}

// Close is a no-op.
func (s *Inline) Close() error { return nil }

var _ Source = (*Inline)(nil)
