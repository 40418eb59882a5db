package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/canectors/dataflow/pkg/pipeline"
)

// Console prints records as JSON, one per line, or as an indented array.
//
//	destination:
//	  type: console
//	  config: {pretty: true}
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	pretty bool
}

// NewConsole creates a console destination writing to stdout.
func NewConsole(config map[string]interface{}) (*Console, error) {
	return NewConsoleWriter(os.Stdout, options(config).boolean("pretty")), nil
}

// NewConsoleWriter creates a console destination writing to w.
func NewConsoleWriter(w io.Writer, pretty bool) *Console {
	return &Console{w: w, pretty: pretty}
}

// Write prints the batch.
func (c *Console) Write(ctx context.Context, batch pipeline.Batch) (pipeline.LoadResult, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.LoadResult{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pretty {
		if batch == nil {
			batch = pipeline.Batch{}
		}
		b, err := json.MarshalIndent(batch, "", "  ")
		if err != nil {
			return pipeline.LoadResult{}, permanent(fmt.Errorf("encoding batch: %w", err))
		}
		if _, err := fmt.Fprintln(c.w, string(b)); err != nil {
			return pipeline.LoadResult{}, err
		}
		return pipeline.LoadResult{RecordsWritten: len(batch), Location: "console"}, nil
	}

	enc := json.NewEncoder(c.w)
	for i, record := range batch {
		if err := enc.Encode(record); err != nil {
			return pipeline.LoadResult{RecordsWritten: i}, permanent(fmt.Errorf("encoding record %d: %w", i, err))
		}
	}
	return pipeline.LoadResult{RecordsWritten: len(batch), Location: "console"}, nil
}

// Close is a no-op.
func (c *Console) Close() error { return nil }

var _ Destination = (*Console)(nil)
