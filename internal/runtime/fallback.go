package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/canectors/dataflow/internal/logger"
	"github.com/canectors/dataflow/internal/persistence"
	"github.com/canectors/dataflow/internal/resilience"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// ErrNoSnapshot is returned by serve_cached_snapshot when nothing was cached
// for the stage.
var ErrNoSnapshot = errors.New("no cached snapshot")

// Fallback values per stage kind:
//
//	strategy                    source              transformation      destination
//	serve_cached_snapshot       last good batch     last good output    batch spooled to the snapshot store
//	local_partial_result        cached or empty     input unchanged     partial write of the last attempt
//	degraded_read_only_result   cached or empty     input unchanged     write skipped
//
// degraded_read_only_result additionally marks the run read-only, which
// suppresses the destination write.

func (x *execution) sourceHandlers() resilience.Handlers {
	cachedOrEmpty := func(ctx context.Context, req resilience.FallbackRequest) (interface{}, error) {
		batch, err := x.loadSnapshot(ctx, StageSource)
		if err != nil && !errors.Is(err, ErrNoSnapshot) {
			return nil, err
		}
		if batch == nil {
			batch = pipeline.Batch{}
		}
		return batch, nil
	}
	return resilience.Handlers{
		pipeline.FallbackCachedSnapshot: func(ctx context.Context, req resilience.FallbackRequest) (interface{}, error) {
			return x.loadSnapshot(ctx, StageSource)
		},
		pipeline.FallbackPartialResult:    cachedOrEmpty,
		pipeline.FallbackReadOnlyDegraded: cachedOrEmpty,
	}
}

func (x *execution) transformHandlers(stage string, in pipeline.Batch) resilience.Handlers {
	passThrough := func(context.Context, resilience.FallbackRequest) (interface{}, error) {
		return pipeline.CloneBatch(in), nil
	}
	return resilience.Handlers{
		pipeline.FallbackCachedSnapshot: func(ctx context.Context, req resilience.FallbackRequest) (interface{}, error) {
			return x.loadSnapshot(ctx, stage)
		},
		pipeline.FallbackPartialResult:    passThrough,
		pipeline.FallbackReadOnlyDegraded: passThrough,
	}
}

// destinationHandlers serve a failed write. partial holds what the last
// attempt reported before failing.
func (x *execution) destinationHandlers(batch pipeline.Batch, partial *pipeline.LoadResult) resilience.Handlers {
	return resilience.Handlers{
		pipeline.FallbackCachedSnapshot: func(ctx context.Context, req resilience.FallbackRequest) (interface{}, error) {
			if x.engine.snapshots == nil {
				return nil, errors.New("snapshots are disabled")
			}
			err := x.engine.snapshots.Save(ctx, &persistence.Snapshot{
				PipelineID: x.run.PipelineID,
				Stage:      StageDestination,
				RunID:      x.run.ID,
				Records:    pipeline.CloneBatch(batch),
				SavedAt:    x.engine.now(),
			})
			if err != nil {
				return nil, fmt.Errorf("spooling batch: %w", err)
			}
			return pipeline.LoadResult{Location: "snapshot"}, nil
		},
		pipeline.FallbackPartialResult: func(context.Context, resilience.FallbackRequest) (interface{}, error) {
			return *partial, nil
		},
		pipeline.FallbackReadOnlyDegraded: func(context.Context, resilience.FallbackRequest) (interface{}, error) {
			return pipeline.LoadResult{}, nil
		},
	}
}

// loadSnapshot returns the last good output of stage for this pipeline.
func (x *execution) loadSnapshot(ctx context.Context, stage string) (pipeline.Batch, error) {
	if x.engine.snapshots == nil {
		return nil, fmt.Errorf("%w for stage %s: snapshots are disabled", ErrNoSnapshot, stage)
	}
	snap, err := x.engine.snapshots.Load(ctx, x.run.PipelineID, stage)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	if snap == nil {
		return nil, fmt.Errorf("%w for stage %s", ErrNoSnapshot, stage)
	}
	logger.Info("serving cached snapshot",
		slog.String("pipeline_id", x.run.PipelineID),
		slog.String("run_id", x.run.ID),
		slog.String("stage", stage),
		slog.String("snapshot_run_id", snap.RunID),
		slog.Int("records", len(snap.Records)),
	)
	return pipeline.CloneBatch(snap.Records), nil
}

// saveSnapshot caches the output of a successful stage. Dry runs still
// cache: nothing external is modified.
func (x *execution) saveSnapshot(stage string, batch pipeline.Batch) {
	if x.engine.snapshots == nil {
		return
	}
	err := x.engine.snapshots.Save(x.storeCtx, &persistence.Snapshot{
		PipelineID: x.run.PipelineID,
		Stage:      stage,
		RunID:      x.run.ID,
		Records:    pipeline.CloneBatch(batch),
		SavedAt:    x.engine.now(),
	})
	if err != nil {
		logger.Warn("failed to save snapshot",
			slog.String("pipeline_id", x.run.PipelineID),
			slog.String("stage", stage),
			slog.String("error", err.Error()),
		)
	}
}
