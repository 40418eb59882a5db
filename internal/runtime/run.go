package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/internal/logger"
	"github.com/canectors/dataflow/internal/modules/output"
	"github.com/canectors/dataflow/internal/resilience"
	"github.com/canectors/dataflow/internal/transform"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// Run executes cfg once, on the caller's goroutine.
//
// A configuration problem is returned as an *errhandling.ConfigurationError
// and no run is recorded. Otherwise the terminal run is returned; the error
// is non-nil exactly when the run failed and explains why.
func (e *Engine) Run(ctx context.Context, cfg *pipeline.PipelineConfig, trigger time.Time) (*pipeline.PipelineRun, error) {
	p, err := e.prepare(cfg)
	if err != nil {
		id := ""
		if cfg != nil {
			id = cfg.ID
		}
		logger.Error("pipeline configuration rejected",
			slog.String("pipeline_id", id),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer p.close()

	if trigger.IsZero() {
		trigger = e.now()
	}
	run := &pipeline.PipelineRun{
		ID:          e.newID(),
		PipelineID:  p.cfg.ID,
		Status:      pipeline.RunPending,
		Trigger:     trigger.UTC(),
		StartedAt:   e.now(),
		Checkpoints: []pipeline.QualityReport{},
		Stages:      []pipeline.StageOutcome{},
	}
	if !p.cfg.DryRun {
		dest := p.cfg.Clone().Destination
		run.Destination = &dest
	}

	// The registry outlives the caller's context: terminal updates must land
	// even when the run was cancelled.
	storeCtx := context.WithoutCancel(ctx)
	if err := e.store.Create(storeCtx, run); err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}
	e.rememberConfig(p.cfg)
	p.spec = pipeline.BatchSpec{
		PipelineID:  run.PipelineID,
		RunID:       run.ID,
		TriggerTime: run.Trigger,
	}

	x := &execution{
		engine:   e,
		plan:     p,
		run:      run,
		storeCtx: storeCtx,
		started:  time.Now(),
		rc: logger.RunContext{
			PipelineID:   p.cfg.ID,
			PipelineName: p.cfg.Name,
			RunID:        run.ID,
			StageOrder:   -1,
			DryRun:       p.cfg.DryRun,
		},
	}
	e.metrics.RunStarted()
	logger.LogRunStart(x.rc)

	timeout := p.cfg.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runErr := x.execute(runCtx)
	x.finish(runErr)
	return run.Clone(), runErr
}

// execution is the mutable state of one run. It is confined to the
// goroutine calling Run.
type execution struct {
	engine   *Engine
	plan     *plan
	run      *pipeline.PipelineRun
	rc       logger.RunContext
	storeCtx context.Context
	started  time.Time

	// inFlight is the size of the batch that survived every stage so far.
	inFlight int
	// fallbackFailed is the strategy whose handler failed, if any.
	fallbackFailed pipeline.FallbackStrategy
}

func (x *execution) execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &errhandling.CancellationError{Err: err}
	}
	x.run.Status = pipeline.RunRunning
	if err := x.engine.store.Update(x.storeCtx, x.run); err != nil {
		return fmt.Errorf("marking run as running: %w", err)
	}

	batch, err := x.readSource(ctx)
	if err != nil {
		return err
	}
	x.run.RecordsProcessed = len(batch)
	x.inFlight = len(batch)
	x.progress()

	for i, stage := range x.plan.stages {
		if err := ctx.Err(); err != nil {
			return &errhandling.CancellationError{Stage: stage.Name(), Err: err}
		}
		if batch, err = x.applyStage(ctx, i, stage, batch); err != nil {
			return err
		}
		if err := x.checkpoints(i, batch); err != nil {
			return err
		}
		x.progress()
	}

	if err := ctx.Err(); err != nil {
		return &errhandling.CancellationError{Stage: StageDestination, Err: err}
	}
	return x.writeDestination(ctx, batch)
}

// progress publishes the intermediate state of the run. Failures only cost
// observers an update.
func (x *execution) progress() {
	if err := x.engine.store.Update(x.storeCtx, x.run); err != nil {
		logger.Warn("failed to record run progress",
			slog.String("run_id", x.run.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (x *execution) readSource(ctx context.Context) (pipeline.Batch, error) {
	rc := x.rc.ForStage(StageSource, x.plan.cfg.Source.Type, -1)
	logger.LogStageStart(rc, 0)
	started := time.Now()

	w, err := x.wrapper(StageSource, x.sourceHandlers())
	if err != nil {
		return nil, err
	}
	out := w.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		batch, err := x.plan.source.Read(ctx, x.plan.spec)
		if err != nil {
			return nil, errhandling.NewStageError(StageSource, err)
		}
		return batch, nil
	})

	stage := pipeline.StageOutcome{Name: StageSource, Type: x.plan.cfg.Source.Type, Order: -1}
	value, err := x.settle(rc, &stage, out, started)
	if err != nil {
		return nil, err
	}
	batch, _ := value.(pipeline.Batch)
	if batch == nil {
		batch = pipeline.Batch{}
	}
	stage.RecordsOut = len(batch)
	x.record(rc, stage, nil)

	if out.OK {
		x.saveSnapshot(StageSource, batch)
	}
	return batch, nil
}

func (x *execution) applyStage(ctx context.Context, i int, stage transform.Stage, in pipeline.Batch) (pipeline.Batch, error) {
	t := x.plan.transformations[i]
	rc := x.rc.ForStage(stage.Name(), string(stage.Type()), t.Order)
	logger.LogStageStart(rc, len(in))
	started := time.Now()

	w, err := x.wrapper(stage.Name(), x.transformHandlers(stage.Name(), in))
	if err != nil {
		return nil, err
	}
	var recordErrs []*errhandling.RecordError
	out := w.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		result, errs, err := stage.Apply(ctx, in)
		if err != nil {
			return nil, errhandling.NewStageError(stage.Name(), err)
		}
		recordErrs = errs
		return result, nil
	})

	outcome := pipeline.StageOutcome{
		Name:      stage.Name(),
		Type:      string(stage.Type()),
		Order:     t.Order,
		RecordsIn: len(in),
	}
	value, err := x.settle(rc, &outcome, out, started)
	if err != nil {
		return nil, err
	}
	batch, _ := value.(pipeline.Batch)
	if batch == nil {
		batch = pipeline.Batch{}
	}
	if !out.OK {
		recordErrs = nil
	}
	outcome.RecordsOut = len(batch)
	outcome.RecordErrors = len(recordErrs)
	x.record(rc, outcome, nil)

	for _, re := range recordErrs {
		logger.Debug("record excluded",
			slog.String("run_id", x.run.ID),
			slog.String("stage", re.Stage),
			slog.Int("record_index", re.Index),
			slog.String("error", re.Message),
		)
	}
	x.account(len(in), len(batch), len(recordErrs))

	if out.OK {
		x.saveSnapshot(stage.Name(), batch)
	}
	return batch, nil
}

// account updates the tallies after a stage. Records that disappeared
// without a record error were filtered. A fallback can also return more
// records than it was given (a cached snapshot); those count as processed.
func (x *execution) account(in, out, recordErrors int) {
	x.run.RecordsFailed += recordErrors
	removed := in - out - recordErrors
	if removed >= 0 {
		x.run.RecordsFiltered += removed
	} else {
		x.run.RecordsProcessed += -removed
	}
	x.inFlight = out
}

// checkpoints runs the quality validator for every checkpoint placed after
// stage index.
func (x *execution) checkpoints(index int, batch pipeline.Batch) error {
	for _, cp := range x.plan.cfg.Checkpoints {
		if cp.Index != index {
			continue
		}
		report := x.engine.validator.Validate(batch, x.plan.cfg.Schema, x.plan.cfg.Rules)
		report.RunID = x.run.ID
		report.Checkpoint = cp.Index
		x.run.Checkpoints = append(x.run.Checkpoints, report)

		gateFailed := cp.HardThreshold > 0 && report.OverallScore < cp.HardThreshold
		logger.LogCheckpoint(x.rc, cp.Index, report.OverallScore, cp.HardThreshold, len(report.Issues))
		x.engine.metrics.Checkpoint(x.run.PipelineID, report, gateFailed)
		if gateFailed {
			return &errhandling.QualityGateError{
				Checkpoint: cp.Index,
				Score:      report.OverallScore,
				Threshold:  cp.HardThreshold,
			}
		}
	}
	return nil
}

func (x *execution) writeDestination(ctx context.Context, batch pipeline.Batch) error {
	switch {
	case x.plan.cfg.DryRun:
		logger.Info("dry run: destination write skipped", x.skipAttrs(batch)...)
		return nil
	case x.run.ReadOnly:
		logger.Warn("read-only run: destination write suppressed", x.skipAttrs(batch)...)
		return nil
	case x.plan.dest == nil:
		return nil
	}

	rc := x.rc.ForStage(StageDestination, x.plan.cfg.Destination.Type, -1)
	logger.LogStageStart(rc, len(batch))
	started := time.Now()

	var partial pipeline.LoadResult
	w, err := x.wrapper(StageDestination, x.destinationHandlers(batch, &partial))
	if err != nil {
		return err
	}
	ctx = output.WithRunID(ctx, x.run.ID)
	out := w.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		res, err := x.plan.dest.Write(ctx, batch)
		if err != nil {
			partial = res
			return nil, errhandling.NewStageError(StageDestination, err)
		}
		return res, nil
	})

	stage := pipeline.StageOutcome{
		Name:      StageDestination,
		Type:      x.plan.cfg.Destination.Type,
		Order:     -1,
		RecordsIn: len(batch),
	}
	value, err := x.settle(rc, &stage, out, started)
	if err != nil {
		return err
	}
	res, _ := value.(pipeline.LoadResult)
	stage.RecordsOut = res.RecordsWritten
	x.record(rc, stage, nil)
	if res.Location != "" {
		logger.Debug("batch written",
			slog.String("run_id", x.run.ID),
			slog.String("location", res.Location),
			slog.Int("records_written", res.RecordsWritten),
		)
	}
	return nil
}

func (x *execution) skipAttrs(batch pipeline.Batch) []any {
	return []any{
		slog.String("pipeline_id", x.run.PipelineID),
		slog.String("run_id", x.run.ID),
		slog.Int("records", len(batch)),
	}
}

// settle turns a wrapper outcome into a value or a run error, filling in
// the resilience fields of stage. Failed stages are recorded here.
func (x *execution) settle(rc logger.RunContext, stage *pipeline.StageOutcome, out resilience.Outcome, started time.Time) (interface{}, error) {
	stage.Attempts = out.Attempts
	stage.Duration = time.Since(started)
	if !out.OK {
		stage.Fallback = out.Strategy
		stage.FailureClass = out.Class
	}

	switch {
	case out.OK:
		return out.Value, nil
	case out.Degraded:
		stage.Degraded = true
		x.run.Degraded = true
		if out.Strategy == pipeline.FallbackReadOnlyDegraded {
			x.run.ReadOnly = true
		}
		if out.ShortCircuited {
			logger.Warn("circuit open, stage served by fallback",
				slog.String("run_id", x.run.ID),
				slog.String("stage", stage.Name),
				slog.String("fallback", string(out.Strategy)),
			)
		}
		return out.Value, nil
	}

	if !out.Cancelled() && out.Strategy != "" && out.Strategy != pipeline.FallbackFail {
		x.fallbackFailed = out.Strategy
	}
	x.record(rc, *stage, out.Err)
	return nil, out.Err
}

// record appends a finished stage to the run.
func (x *execution) record(rc logger.RunContext, stage pipeline.StageOutcome, err error) {
	x.run.Stages = append(x.run.Stages, stage)
	x.engine.metrics.StageFinished(x.run.PipelineID, stage)
	logger.LogStageEnd(rc, logger.StageResult{
		RecordsIn:    stage.RecordsIn,
		RecordsOut:   stage.RecordsOut,
		RecordErrors: stage.RecordErrors,
		Attempts:     stage.Attempts,
		Degraded:     stage.Degraded,
		Fallback:     string(stage.Fallback),
		FailureClass: string(stage.FailureClass),
		Duration:     stage.Duration,
		Err:          err,
	})
}

func (x *execution) wrapper(stage string, handlers resilience.Handlers) (*resilience.Wrapper, error) {
	w, err := resilience.NewWrapper(resilience.Config{
		Stage:     stage,
		Retry:     x.plan.retry,
		Breaker:   x.engine.breakers.Get(x.run.PipelineID, stage, x.plan.cfg.CircuitBreaker),
		Fallbacks: x.plan.fallbacks,
		Handlers:  handlers,
		Sleeper:   x.engine.sleeper,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Warn("retrying stage",
				slog.String("pipeline_id", x.run.PipelineID),
				slog.String("run_id", x.run.ID),
				slog.String("stage", stage),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("building resilience wrapper: %w", err)
	}
	return w, nil
}

// finish moves the run to its terminal status, records it and fires the
// notifiers.
func (x *execution) finish(runErr error) {
	now := x.engine.now()
	x.run.CompletedAt = &now

	if runErr == nil {
		x.run.Status = pipeline.RunCompleted
		x.run.RecordsSucceeded = x.inFlight
	} else {
		x.run.Status = pipeline.RunFailed
		// Records still in flight never reached the destination.
		x.run.RecordsFailed += x.inFlight
		x.run.RecordsSucceeded = 0
		x.run.Error = errhandling.ToErrorInfo(runErr)
		if x.fallbackFailed != "" && x.run.Error.Kind == pipeline.ErrorKindStage {
			x.run.Error.Code = errhandling.CodeFallbackFailed
			if x.run.Error.Details == nil {
				x.run.Error.Details = map[string]interface{}{}
			}
			x.run.Error.Details["strategy"] = string(x.fallbackFailed)
		}
		logger.LogError("pipeline run failed", logger.ErrorContext{
			RunContext: x.rc,
			ErrorCode:  x.run.Error.Code,
			Err:        runErr,
			Duration:   time.Since(x.started),
		})
	}

	if err := x.engine.store.Update(x.storeCtx, x.run); err != nil {
		logger.Error("failed to record terminal run status",
			slog.String("run_id", x.run.ID),
			slog.String("status", string(x.run.Status)),
			slog.String("error", err.Error()),
		)
	}
	x.engine.metrics.RunFinished(x.run)
	logger.LogRunEnd(x.rc, string(x.run.Status), logger.RunCounts{
		Processed: x.run.RecordsProcessed,
		Succeeded: x.run.RecordsSucceeded,
		Failed:    x.run.RecordsFailed,
		Filtered:  x.run.RecordsFiltered,
	}, x.run.Degraded, time.Since(x.started))

	x.engine.notify(x.run.Clone())
}
