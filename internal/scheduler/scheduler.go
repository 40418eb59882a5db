// Package scheduler triggers registered pipelines on CRON schedules.
//
// Each pipeline has at most one run in flight: a tick that fires while the
// previous run is still executing is skipped and logged.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/canectors/dataflow/internal/logger"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// Common errors
var (
	ErrNilPipeline     = errors.New("pipeline configuration is nil")
	ErrEmptySchedule   = errors.New("pipeline has no schedule")
	ErrInvalidSchedule = errors.New("invalid CRON expression")
	ErrNotFound        = errors.New("pipeline not scheduled")
	ErrAlreadyStarted  = errors.New("scheduler already started")
	ErrNotStarted      = errors.New("scheduler not started")
)

// parser accepts standard 5-field expressions, 6-field expressions with
// seconds, and descriptors such as @hourly.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateCronExpression checks that expr can be scheduled.
func ValidateCronExpression(expr string) error {
	if expr == "" {
		return ErrEmptySchedule
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, expr, err)
	}
	return nil
}

// Executor starts a run of a registered pipeline. runtime.Engine
// implements it.
type Executor interface {
	Start(ctx context.Context, pipelineID string, triggerTime time.Time) (*pipeline.PipelineRun, error)
}

type entry struct {
	pipelineID string
	schedule   string
	entryID    cron.EntryID
	running    atomic.Bool
}

// Scheduler runs pipelines on their CRON schedule.
type Scheduler struct {
	executor Executor
	cron     *cron.Cron

	mu      sync.Mutex
	entries map[string]*entry
	started bool

	// runCtx is passed to every run and cancelled when Stop gives up waiting.
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// New creates a scheduler that starts runs through executor.
func New(executor Executor) *Scheduler {
	return &Scheduler{
		executor: executor,
		cron:     cron.New(cron.WithParser(parser)),
		entries:  make(map[string]*entry),
	}
}

// Register schedules cfg. Registering an id again replaces its schedule.
func (s *Scheduler) Register(cfg *pipeline.PipelineConfig) error {
	if cfg == nil {
		return ErrNilPipeline
	}
	if cfg.ID == "" {
		return errors.New("pipeline id is required")
	}
	if err := ValidateCronExpression(cfg.Schedule); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[cfg.ID]; ok {
		s.cron.Remove(old.entryID)
		delete(s.entries, cfg.ID)
	}

	e := &entry{pipelineID: cfg.ID, schedule: cfg.Schedule}
	id, err := s.cron.AddFunc(cfg.Schedule, func() { s.fire(e) })
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, cfg.Schedule, err)
	}
	e.entryID = id
	s.entries[cfg.ID] = e

	logger.Info("pipeline scheduled",
		slog.String("pipeline_id", cfg.ID),
		slog.String("schedule", cfg.Schedule),
	)
	return nil
}

// Unregister removes a pipeline's schedule. A run in flight is not affected.
func (s *Scheduler) Unregister(pipelineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[pipelineID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, pipelineID)
	}
	s.cron.Remove(e.entryID)
	delete(s.entries, pipelineID)
	return nil
}

// Start begins firing schedules. ctx bounds the runs started by the
// scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.runCtx, s.cancelRun = context.WithCancel(ctx)
	s.started = true
	s.cron.Start()
	logger.Info("scheduler started", slog.Int("pipelines", len(s.entries)))
	return nil
}

// Stop stops firing schedules and waits for runs in flight until ctx is
// done, at which point they are cancelled. Every schedule is removed.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	for id, e := range s.entries {
		s.cron.Remove(e.entryID)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if !started {
		return nil
	}
	// The cron context is done once every job in flight has returned.
	stopped := s.cron.Stop()

	var err error
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		err = fmt.Errorf("waiting for scheduled runs: %w", ctx.Err())
	}
	s.cancelRun()
	logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) fire(e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		logger.Warn("previous run still in progress, skipping scheduled run",
			slog.String("pipeline_id", e.pipelineID),
			slog.String("schedule", e.schedule),
		)
		return
	}
	defer e.running.Store(false)

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	trigger := time.Now()
	run, err := s.executor.Start(ctx, e.pipelineID, trigger)
	attrs := []any{slog.String("pipeline_id", e.pipelineID)}
	if run != nil {
		attrs = append(attrs, slog.String("run_id", run.ID), slog.String("status", string(run.Status)))
	}
	if err != nil {
		logger.Error("scheduled run failed", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	logger.Debug("scheduled run finished", attrs...)
}

// HasPipeline reports whether pipelineID is scheduled.
func (s *Scheduler) HasPipeline(pipelineID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[pipelineID]
	return ok
}

// IsRunning reports whether a scheduled run of pipelineID is in flight.
func (s *Scheduler) IsRunning(pipelineID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[pipelineID]
	return ok && e.running.Load()
}

// IsStarted reports whether schedules are firing.
func (s *Scheduler) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// PipelineCount returns the number of scheduled pipelines.
func (s *Scheduler) PipelineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// GetPipelineIDs returns the scheduled pipeline ids in sorted order.
func (s *Scheduler) GetPipelineIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetNextRun returns the next time pipelineID fires. The scheduler must be
// started.
func (s *Scheduler) GetNextRun(pipelineID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return time.Time{}, ErrNotStarted
	}
	e, ok := s.entries[pipelineID]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, pipelineID)
	}
	return s.cron.Entry(e.entryID).Next, nil
}
