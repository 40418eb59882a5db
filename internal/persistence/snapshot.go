// Package persistence stores the last good output of each pipeline stage so
// the serve_cached_snapshot fallback can answer after a failure, including
// across restarts.
//
// Three backends implement Store: FileStore (JSON files, the default),
// RedisStore and MemoryStore.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/canectors/dataflow/pkg/pipeline"
)

// DefaultSnapshotPath is the default directory for snapshot files.
const DefaultSnapshotPath = "./dataflow-data/snapshots"

// Backend names
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendNone   = "none"
)

// Common errors
var (
	// ErrInvalidPipelineID is returned when pipeline ID is empty.
	ErrInvalidPipelineID = errors.New("pipeline ID is required")

	// ErrInvalidStage is returned when the stage name is empty.
	ErrInvalidStage = errors.New("stage name is required")

	// ErrNilSnapshot is returned when snapshot is nil.
	ErrNilSnapshot = errors.New("snapshot is nil")
)

// Snapshot is the last batch a stage produced in a successful invocation.
type Snapshot struct {
	PipelineID string         `json:"pipelineId"`
	Stage      string         `json:"stage"`
	RunID      string         `json:"runId"`
	Records    pipeline.Batch `json:"records"`
	SavedAt    time.Time      `json:"savedAt"`
}

// Store persists snapshots keyed by (pipeline, stage). Load returns nil, nil
// when no snapshot exists.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, pipelineID, stage string) (*Snapshot, error)
	Delete(ctx context.Context, pipelineID string) error
}

// Config selects and configures a snapshot backend.
type Config struct {
	// Backend is file, redis, memory or none. Empty means file.
	Backend string

	// Path is the directory of the file backend.
	Path string

	// RedisAddr, RedisPassword and RedisDB address the redis backend.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TTL expires redis snapshots. Zero keeps them forever.
	TTL time.Duration
}

// New builds the store described by cfg. It returns nil, nil for the none
// backend.
func New(cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendFile:
		return NewFileStore(cfg.Path), nil
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return nil, errors.New("redis snapshot backend requires an address")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedisStore(client, cfg.TTL), nil
	case BackendNone:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Backend)
}

func checkKey(pipelineID, stage string) error {
	if pipelineID == "" {
		return ErrInvalidPipelineID
	}
	if stage == "" {
		return ErrInvalidStage
	}
	return nil
}

func checkSnapshot(snap *Snapshot) error {
	if snap == nil {
		return ErrNilSnapshot
	}
	return checkKey(snap.PipelineID, snap.Stage)
}

func cloneSnapshot(snap *Snapshot) *Snapshot {
	out := *snap
	out.Records = pipeline.CloneBatch(snap.Records)
	return &out
}
