package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/canectors/dataflow/internal/logger"
)

const redisKeyPrefix = "dataflow:snapshot:"

// RedisStore keeps each pipeline's snapshots in one hash, field = stage.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore wraps client. A positive ttl expires a pipeline's hash ttl
// after its last save.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func redisKey(pipelineID string) string {
	return redisKeyPrefix + pipelineID
}

func (s *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := checkSnapshot(snap); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	key := redisKey(snap.PipelineID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, snap.Stage, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("failed to save snapshot to redis",
			"pipeline_id", snap.PipelineID,
			"stage", snap.Stage,
			"error", err.Error(),
		)
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, pipelineID, stage string) (*Snapshot, error) {
	if err := checkKey(pipelineID, stage); err != nil {
		return nil, err
	}
	data, err := s.client.HGet(ctx, redisKey(pipelineID), stage).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot: %w", err)
	}
	return &snap, nil
}

func (s *RedisStore) Delete(ctx context.Context, pipelineID string) error {
	if pipelineID == "" {
		return ErrInvalidPipelineID
	}
	if err := s.client.Del(ctx, redisKey(pipelineID)).Err(); err != nil {
		return fmt.Errorf("deleting snapshots: %w", err)
	}
	return nil
}

// Close releases the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
