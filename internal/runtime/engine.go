// Package runtime provides the pipeline execution engine.
//
// An Engine executes a PipelineConfig as one run: it reads the source,
// applies the transformations in ascending order, validates the batch at
// the configured checkpoints and writes the result to the destination.
// Every stage goes through a resilience.Wrapper (retry, circuit breaker,
// fallback table) and every run is recorded in a runstore.Store.
//
// Run lifecycle:
//
//	pending -> running -> completed | failed
//	completed -> rolled_back
//
// Each run executes on the caller's goroutine. The engine only starts
// goroutines for notifications, which Wait drains.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/internal/logger"
	"github.com/canectors/dataflow/internal/metrics"
	"github.com/canectors/dataflow/internal/persistence"
	"github.com/canectors/dataflow/internal/quality"
	"github.com/canectors/dataflow/internal/resilience"
	"github.com/canectors/dataflow/internal/runstore"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// DefaultTimeout is the run deadline when a pipeline does not set one.
const DefaultTimeout = 5 * time.Minute

// Common errors
var (
	// ErrPipelineNotFound is returned by Start and Rollback for unknown pipelines.
	ErrPipelineNotFound = errors.New("pipeline not registered")

	// ErrNotRollbackable is returned when a run is not completed.
	ErrNotRollbackable = errors.New("only completed runs can be rolled back")
)

// Notifier is called asynchronously whenever a run reaches a terminal
// status. report is the last checkpoint report, or nil. Errors and panics
// are logged and counted, never propagated.
type Notifier func(ctx context.Context, run pipeline.PipelineRun, report *pipeline.QualityReport) error

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the run registry. Defaults to a runstore.MemoryStore.
func WithStore(store runstore.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithSnapshots sets the store used by the serve_cached_snapshot fallback.
// Defaults to an in-memory store; nil disables snapshots.
func WithSnapshots(store persistence.Store) Option {
	return func(e *Engine) { e.snapshots = store }
}

// WithClock sets the clock used by circuit breakers and run timestamps.
func WithClock(clock resilience.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithSleeper sets how retry waits are performed.
func WithSleeper(s errhandling.Sleeper) Option {
	return func(e *Engine) { e.sleeper = s }
}

// WithNotifier adds a notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifiers = append(e.notifiers, n) }
}

// WithMetrics sets the Prometheus recorder. Nil disables metrics.
func WithMetrics(r *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// WithIDGenerator sets how run ids are generated.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithDefaultTimeout sets the deadline of runs whose pipeline has none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultTimeout = d }
}

// WithNotifyTimeout bounds each notifier call. Zero means no bound.
func WithNotifyTimeout(d time.Duration) Option {
	return func(e *Engine) { e.notifyTimeout = d }
}

// Engine executes pipelines. It is safe for concurrent use; concurrent runs
// of the same pipeline share that pipeline's circuit breakers.
type Engine struct {
	store          runstore.Store
	snapshots      persistence.Store
	clock          resilience.Clock
	sleeper        errhandling.Sleeper
	notifiers      []Notifier
	metrics        *metrics.Recorder
	newID          func() string
	defaultTimeout time.Duration
	notifyTimeout  time.Duration

	breakers  *resilience.BreakerSet
	validator *quality.Validator

	mu        sync.RWMutex
	pipelines map[string]*pipeline.PipelineConfig
	// lastConfigs keeps the configuration of the last run of each pipeline
	// so Rollback can reach its destination.
	lastConfigs map[string]*pipeline.PipelineConfig

	rollbackMu sync.Mutex
	notifyWG   sync.WaitGroup
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		store:          runstore.NewMemoryStore(),
		snapshots:      persistence.NewMemoryStore(),
		clock:          resilience.SystemClock{},
		sleeper:        errhandling.TimerSleeper{},
		newID:          uuid.NewString,
		defaultTimeout: DefaultTimeout,
		pipelines:      make(map[string]*pipeline.PipelineConfig),
		lastConfigs:    make(map[string]*pipeline.PipelineConfig),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.breakers = resilience.NewBreakerSet(e.clock, e.onBreakerChange)
	e.validator = quality.NewValidator(
		quality.WithClock(func() time.Time { return e.now() }),
	)
	return e
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

func (e *Engine) onBreakerChange(name string, from, to pipeline.BreakerState, failures int) {
	logger.LogBreakerTransition(name, string(from), string(to), failures)
	e.metrics.BreakerChanged(name, to)
}

// Validate checks cfg completely: structure, adapter types and stage
// configurations. It performs no I/O.
func (e *Engine) Validate(cfg *pipeline.PipelineConfig) error {
	p, err := e.prepare(cfg)
	if err != nil {
		return err
	}
	p.close()
	return nil
}

// Register validates cfg and makes it available to Start. Registering an
// existing id replaces the configuration and resets its circuit breakers.
func (e *Engine) Register(cfg *pipeline.PipelineConfig) error {
	if err := e.Validate(cfg); err != nil {
		return err
	}
	e.mu.Lock()
	_, replaced := e.pipelines[cfg.ID]
	e.pipelines[cfg.ID] = cfg.Clone()
	e.mu.Unlock()

	if replaced {
		e.breakers.Reset(cfg.ID)
	}
	logger.Info("pipeline registered",
		slog.String("pipeline_id", cfg.ID),
		slog.String("pipeline_name", cfg.Name),
		slog.Bool("replaced", replaced),
	)
	return nil
}

// Pipeline returns a copy of a registered configuration.
func (e *Engine) Pipeline(id string) (*pipeline.PipelineConfig, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cfg, ok := e.pipelines[id]
	if !ok {
		return nil, false
	}
	return cfg.Clone(), true
}

// Pipelines returns copies of every registered configuration, sorted by id.
func (e *Engine) Pipelines() []*pipeline.PipelineConfig {
	e.mu.RLock()
	out := make([]*pipeline.PipelineConfig, 0, len(e.pipelines))
	for _, cfg := range e.pipelines {
		out = append(out, cfg.Clone())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start runs a registered pipeline on the caller's goroutine. It is the
// hook used by schedulers and the HTTP API.
func (e *Engine) Start(ctx context.Context, pipelineID string, triggerTime time.Time) (*pipeline.PipelineRun, error) {
	e.mu.RLock()
	cfg, ok := e.pipelines[pipelineID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, pipelineID)
	}
	return e.Run(ctx, cfg, triggerTime)
}

// Get returns a copy of a run from the registry.
func (e *Engine) Get(ctx context.Context, runID string) (*pipeline.PipelineRun, error) {
	return e.store.Get(ctx, runID)
}

// List returns runs from the registry.
func (e *Engine) List(ctx context.Context, filter runstore.Filter) ([]*pipeline.PipelineRun, error) {
	return e.store.List(ctx, filter)
}

// Store returns the run registry.
func (e *Engine) Store() runstore.Store {
	return e.store
}

// Breakers returns the state of every circuit breaker, keyed by
// "<pipeline>/<stage>".
func (e *Engine) Breakers() map[string]pipeline.CircuitBreakerState {
	return e.breakers.States()
}

// Wait blocks until every pending notification has been delivered.
func (e *Engine) Wait() {
	e.notifyWG.Wait()
}

func (e *Engine) rememberConfig(cfg *pipeline.PipelineConfig) {
	e.mu.Lock()
	e.lastConfigs[cfg.ID] = cfg
	e.mu.Unlock()
}

func (e *Engine) configFor(pipelineID string) (*pipeline.PipelineConfig, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if cfg, ok := e.lastConfigs[pipelineID]; ok {
		return cfg, true
	}
	cfg, ok := e.pipelines[pipelineID]
	return cfg, ok
}
