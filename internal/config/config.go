// Package config loads pipeline documents (JSON or YAML), validates them
// against the embedded JSON schema and converts them into
// pipeline.PipelineConfig values.
//
// A minimal YAML document:
//
//	name: orders
//	source:
//	  type: file
//	  config: {path: orders.json}
//	transformations:
//	  - type: filter
//	    order: 1
//	    config: {expression: "amount > 0"}
//	destination:
//	  type: sql
//	  config: {driver: sqlite3, connectionString: orders.db, table: orders}
//	timeout: 2m
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/canectors/dataflow/internal/runtime"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// Load parses, validates and converts one pipeline document.
func Load(path string) (*pipeline.PipelineConfig, error) {
	result := ParseFile(path)
	if err := result.Err(); err != nil {
		return nil, err
	}
	return convert(result)
}

// LoadBytes is Load for in-memory content. An empty format is detected.
func LoadBytes(content []byte, format Format) (*pipeline.PipelineConfig, error) {
	result := ParseBytes(content, format)
	if err := result.Err(); err != nil {
		return nil, err
	}
	return convert(result)
}

func convert(result *Result) (*pipeline.PipelineConfig, error) {
	cfg, err := ConvertToPipeline(result.Data)
	if err != nil {
		return nil, &DocumentError{Path: result.FilePath, Errors: []error{err}}
	}
	if err := runtime.ValidateConfig(cfg); err != nil {
		return nil, &DocumentError{Path: result.FilePath, Errors: []error{err}}
	}
	return cfg, nil
}

// Loader reads every pipeline document of a directory.
type Loader struct {
	dir string
}

// NewLoader creates a Loader for dir.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// LoadAll loads the .json, .yaml and .yml files of the directory in name
// order. Invalid documents and duplicate ids are collected into the
// returned error; the valid pipelines are returned regardless.
func (l *Loader) LoadAll() ([]*pipeline.PipelineConfig, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("reading pipelines directory %s: %w", l.dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var (
		cfgs []*pipeline.PipelineConfig
		errs []error
		seen = make(map[string]string)
	)
	for _, entry := range entries {
		if entry.IsDir() || DetectFormat(entry.Name()) == "" {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		cfg, err := Load(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := seen[cfg.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: pipeline id %q already defined in %s", path, cfg.ID, prev))
			continue
		}
		seen[cfg.ID] = path
		cfgs = append(cfgs, cfg)
	}
	return cfgs, errors.Join(errs...)
}
