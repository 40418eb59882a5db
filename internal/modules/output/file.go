package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/canectors/dataflow/internal/logger"
	"github.com/canectors/dataflow/internal/pathutil"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// RunIDPlaceholder in a file path is replaced by the run id.
const RunIDPlaceholder = "{runId}"

// File writes the batch to a JSON or NDJSON file.
//
//	destination:
//	  type: file
//	  config:
//	    path: out/orders-{runId}.json
//	    format: json | ndjson
//
// The file is written to a temporary name and renamed so readers never see
// a partial batch. Paths containing {runId} are revertible.
type File struct {
	path   string
	format string
}

// NewFile creates a file destination.
func NewFile(config map[string]interface{}) (*File, error) {
	opts := options(config)
	path := opts.str("path")
	if path == "" {
		return nil, opts.invalid("path", "is required")
	}
	if err := pathutil.ValidateFilePath(path); err != nil {
		return nil, opts.invalid("path", "%v", err)
	}
	format := strings.ToLower(opts.str("format"))
	if format == "" {
		format = "json"
		if ext := strings.ToLower(filepath.Ext(path)); ext == ".ndjson" || ext == ".jsonl" {
			format = "ndjson"
		}
	}
	if format != "json" && format != "ndjson" {
		return nil, opts.invalid("format", "must be json or ndjson (got %q)", format)
	}
	return &File{path: path, format: format}, nil
}

func (f *File) resolve(runID string) string {
	return strings.ReplaceAll(f.path, RunIDPlaceholder, runID)
}

// Write replaces the target file with the batch.
func (f *File) Write(ctx context.Context, batch pipeline.Batch) (pipeline.LoadResult, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.LoadResult{}, err
	}
	path := f.resolve(RunIDFromContext(ctx))

	var content []byte
	switch f.format {
	case "ndjson":
		var sb strings.Builder
		for i, record := range batch {
			b, err := json.Marshal(record)
			if err != nil {
				return pipeline.LoadResult{}, permanent(fmt.Errorf("encoding record %d: %w", i, err))
			}
			sb.Write(b)
			sb.WriteByte('\n')
		}
		content = []byte(sb.String())
	default:
		if batch == nil {
			batch = pipeline.Batch{}
		}
		b, err := json.MarshalIndent(batch, "", "  ")
		if err != nil {
			return pipeline.LoadResult{}, permanent(fmt.Errorf("encoding batch: %w", err))
		}
		content = b
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return pipeline.LoadResult{}, fmt.Errorf("creating output directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return pipeline.LoadResult{}, fmt.Errorf("writing output file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return pipeline.LoadResult{}, fmt.Errorf("renaming output file: %w", err)
	}

	logger.Debug("file destination written", "path", path, "record_count", len(batch))
	return pipeline.LoadResult{RecordsWritten: len(batch), Location: path}, nil
}

// Revert removes the file written by runID.
func (f *File) Revert(ctx context.Context, runID string) (int, error) {
	if !strings.Contains(f.path, RunIDPlaceholder) || runID == "" {
		return 0, ErrNotRevertible
	}
	path := f.resolve(runID)
	n, err := countRecords(path, f.format)
	if err != nil {
		return 0, err
	}
	if err := os.Remove(path); err != nil {
		return 0, fmt.Errorf("removing output file: %w", err)
	}
	return n, nil
}

func countRecords(path, format string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("output file %s does not exist", path)
		}
		return 0, err
	}
	if format == "ndjson" {
		n := 0
		for _, line := range strings.Split(string(content), "\n") {
			if strings.TrimSpace(line) != "" {
				n++
			}
		}
		return n, nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal(content, &records); err != nil {
		return 0, fmt.Errorf("reading output file: %w", err)
	}
	return len(records), nil
}

// Close is a no-op.
func (f *File) Close() error { return nil }

var (
	_ Destination = (*File)(nil)
	_ Reverter    = (*File)(nil)
)
