package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/canectors/dataflow/internal/logger"
)

// FileStore keeps one JSON file per (pipeline, stage) under
// <basePath>/<pipeline>/<stage>.json.
type FileStore struct {
	basePath string
	mu       sync.RWMutex
}

// NewFileStore creates a FileStore. If basePath is empty,
// DefaultSnapshotPath is used.
func NewFileStore(basePath string) *FileStore {
	if basePath == "" {
		basePath = DefaultSnapshotPath
	}
	return &FileStore{basePath: basePath}
}

// pipelineDir escapes the pipeline ID so it can never leave basePath.
func (s *FileStore) pipelineDir(pipelineID string) string {
	return filepath.Join(s.basePath, url.PathEscape(pipelineID))
}

func (s *FileStore) filePath(pipelineID, stage string) string {
	return filepath.Join(s.pipelineDir(pipelineID), url.PathEscape(stage)+".json")
}

// Save writes the snapshot atomically (temp file + rename).
func (s *FileStore) Save(_ context.Context, snap *Snapshot) error {
	if err := checkSnapshot(snap); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.pipelineDir(snap.PipelineID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		logger.Warn("failed to create snapshot directory",
			"path", dir,
			"error", err.Error(),
		)
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	path := s.filePath(snap.PipelineID, snap.Stage)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("writing temp snapshot file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		logger.Warn("failed to rename snapshot file",
			"pipeline_id", snap.PipelineID,
			"stage", snap.Stage,
			"error", err.Error(),
		)
		return fmt.Errorf("renaming snapshot file: %w", err)
	}

	logger.Debug("snapshot saved",
		"pipeline_id", snap.PipelineID,
		"stage", snap.Stage,
		"records", len(snap.Records),
		"path", path,
	)
	return nil
}

// Load reads the snapshot of a stage.
func (s *FileStore) Load(_ context.Context, pipelineID, stage string) (*Snapshot, error) {
	if err := checkKey(pipelineID, stage); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.filePath(pipelineID, stage)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading snapshot file: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logger.Warn("failed to unmarshal snapshot",
			"pipeline_id", pipelineID,
			"stage", stage,
			"path", path,
			"error", err.Error(),
		)
		return nil, fmt.Errorf("unmarshaling snapshot: %w", err)
	}
	return &snap, nil
}

// Delete removes every snapshot of a pipeline. Missing files are not an error.
func (s *FileStore) Delete(_ context.Context, pipelineID string) error {
	if pipelineID == "" {
		return ErrInvalidPipelineID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.pipelineDir(pipelineID)); err != nil {
		return fmt.Errorf("deleting snapshots: %w", err)
	}
	return nil
}
