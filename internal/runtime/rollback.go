package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/canectors/dataflow/internal/logger"
	"github.com/canectors/dataflow/internal/modules/output"
	"github.com/canectors/dataflow/internal/registry"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// Rollback reverts the destination write of a completed run and marks it
// rolled_back. Runs that wrote nothing (dry runs, read-only runs, spooled
// writes) transition without touching the destination. A destination that
// cannot revert leaves the run completed and returns output.ErrNotRevertible.
func (e *Engine) Rollback(ctx context.Context, runID string) (*pipeline.PipelineRun, error) {
	e.rollbackMu.Lock()
	defer e.rollbackMu.Unlock()

	run, err := e.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != pipeline.RunCompleted {
		return nil, fmt.Errorf("%w: run %s is %s", ErrNotRollbackable, runID, run.Status)
	}

	reverted := 0
	if wroteDestination(run) {
		dest, err := e.destinationOf(run)
		if err != nil {
			return nil, err
		}
		if reverted, err = e.revert(ctx, run.PipelineID, dest, runID); err != nil {
			return nil, err
		}
	}

	run.Status = pipeline.RunRolledBack
	if err := e.store.Update(context.WithoutCancel(ctx), run); err != nil {
		return nil, fmt.Errorf("recording rollback: %w", err)
	}
	logger.Info("run rolled back",
		slog.String("pipeline_id", run.PipelineID),
		slog.String("run_id", run.ID),
		slog.Int("records_reverted", reverted),
	)
	e.notify(run.Clone())
	return run, nil
}

// destinationOf returns the destination recorded on the run. Runs recorded
// before the descriptor was kept fall back to the pipeline's last known config.
func (e *Engine) destinationOf(run *pipeline.PipelineRun) (pipeline.DataDestination, error) {
	if run.Destination != nil {
		return *run.Destination, nil
	}
	cfg, ok := e.configFor(run.PipelineID)
	if !ok {
		return pipeline.DataDestination{}, fmt.Errorf("%w: %s", ErrPipelineNotFound, run.PipelineID)
	}
	return cfg.Destination, nil
}

func (e *Engine) revert(ctx context.Context, pipelineID string, desc pipeline.DataDestination, runID string) (int, error) {
	dest, err := registry.NewDestination(desc)
	if err != nil {
		return 0, err
	}
	defer closeQuietly(pipelineID, StageDestination, dest)

	r, ok := dest.(output.Reverter)
	if !ok {
		return 0, fmt.Errorf("%w: destination type %s", output.ErrNotRevertible, desc.Type)
	}
	n, err := r.Revert(output.WithRunID(ctx, runID), runID)
	if err != nil {
		return 0, fmt.Errorf("reverting run %s: %w", runID, err)
	}
	return n, nil
}

// wroteDestination reports whether the run left records in its destination.
func wroteDestination(run *pipeline.PipelineRun) bool {
	for _, s := range run.Stages {
		if s.Name == StageDestination && s.RecordsOut > 0 {
			return true
		}
	}
	return false
}
