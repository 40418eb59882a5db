package input

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/canectors/dataflow/internal/logger"
	"github.com/canectors/dataflow/internal/pathutil"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// File formats
const (
	FormatJSON   = "json"
	FormatNDJSON = "ndjson"
	FormatYAML   = "yaml"
	FormatCSV    = "csv"
)

// maxFileSize bounds how much of a source file is loaded into memory.
const maxFileSize = 256 << 20

// File reads records from a local file.
//
//	source:
//	  type: file
//	  config:
//	    path: data/orders.csv
//	    format: csv          # json | ndjson | yaml | csv, default from extension
//	    delimiter: ";"       # csv only
//	    dataField: items     # json/yaml documents shaped {items: [...]}
//
// CSV values are read as strings; the first row is the header.
type File struct {
	path      string
	format    string
	delimiter rune
	dataField string
}

// NewFile creates a file source.
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
		format = formatFromExtension(path)
	}
	switch format {
	case FormatJSON, FormatNDJSON, FormatYAML, FormatCSV:
	default:
		return nil, opts.invalid("format", "unsupported file format %q", format)
	}

	delimiter := ','
	if d := opts.str("delimiter"); d != "" {
		runes := []rune(d)
		if len(runes) != 1 {
			return nil, opts.invalid("delimiter", "must be a single character")
		}
		delimiter = runes[0]
	}

	return &File{path: path, format: format, delimiter: delimiter, dataField: opts.str("dataField")}, nil
}

func formatFromExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ndjson", ".jsonl":
		return FormatNDJSON
	case ".yaml", ".yml":
		return FormatYAML
	case ".csv":
		return FormatCSV
	default:
		return FormatJSON
	}
}

// Read loads and decodes the whole file. A missing or malformed file is a
// permanent failure; other I/O errors are retried.
func (s *File) Read(ctx context.Context, spec pipeline.BatchSpec) (pipeline.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, permanent(fmt.Errorf("source file %s does not exist", s.path))
		}
		return nil, fmt.Errorf("opening source file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Warn("failed to close source file", "path", s.path, "error", closeErr.Error())
		}
	}()

	content, err := io.ReadAll(io.LimitReader(f, maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading source file: %w", err)
	}
	if len(content) > maxFileSize {
		return nil, permanent(fmt.Errorf("source file %s is larger than %d bytes", s.path, maxFileSize))
	}

	var records pipeline.Batch
	switch s.format {
	case FormatJSON:
		records, err = s.decodeDocument(content, json.Unmarshal)
	case FormatYAML:
		records, err = s.decodeDocument(content, yaml.Unmarshal)
	case FormatNDJSON:
		records, err = decodeNDJSON(content)
	case FormatCSV:
		records, err = s.decodeCSV(content)
	}
	if err != nil {
		return nil, permanent(fmt.Errorf("decoding %s file %s: %w", s.format, s.path, err))
	}

	logger.Debug("file source read",
		"path", s.path,
		"format", s.format,
		"record_count", len(records),
	)
	return limit(records, spec), nil
}

func (s *File) decodeDocument(content []byte, unmarshal func([]byte, interface{}) error) (pipeline.Batch, error) {
	var doc interface{}
	if err := unmarshal(content, &doc); err != nil {
		return nil, err
	}
	if obj, ok := doc.(map[string]interface{}); ok {
		if s.dataField == "" {
			return nil, errors.New("document is an object; set dataField to the record array")
		}
		data, ok := obj[s.dataField]
		if !ok {
			return nil, fmt.Errorf("field %q not found", s.dataField)
		}
		return toRecords(data)
	}
	if doc == nil {
		return pipeline.Batch{}, nil
	}
	return toRecords(doc)
}

func decodeNDJSON(content []byte) (pipeline.Batch, error) {
	records := pipeline.Batch{}
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), maxFileSize)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var record map[string]interface{}
		if err := json.Unmarshal(text, &record); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, record)
	}
	return records, scanner.Err()
}

func (s *File) decodeCSV(content []byte) (pipeline.Batch, error) {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.Comma = s.delimiter
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	records := pipeline.Batch{}
	if len(rows) == 0 {
		return records, nil
	}
	header := rows[0]
	for _, row := range rows[1:] {
		record := make(pipeline.Record, len(header))
		for i, col := range header {
			if i < len(row) {
				record[col] = row[i]
			} else {
				record[col] = nil
			}
		}
		records = append(records, record)
	}
	return records, nil
}

// Close is a no-op.
func (s *File) Close() error { return nil }

var _ Source = (*File)(nil)
