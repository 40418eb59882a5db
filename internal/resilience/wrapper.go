package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// Outcome is the tagged result of a wrapped invocation. Exactly one of the
// following holds:
//   - OK: the primary call succeeded and Value is its result
//   - Degraded: a fallback produced Value
//   - neither: Err explains why no value is available (fallback failed,
//     strategy is fail, or the context was cancelled)
type Outcome struct {
	OK       bool
	Degraded bool
	Value    interface{}

	// Strategy is the fallback used (or attempted) when not OK.
	Strategy pipeline.FallbackStrategy
	// Class is the failure class that selected the strategy.
	Class pipeline.FailureClass
	// ShortCircuited is true when the breaker refused the call.
	ShortCircuited bool
	// Attempts is the number of invocations of the primary function.
	Attempts int
	// Cause is the primary failure when not OK.
	Cause error
	Err   error
}

// Cancelled reports whether the outcome ended because the context was done.
func (o Outcome) Cancelled() bool {
	var cancelErr *errhandling.CancellationError
	return o.Err != nil && errors.As(o.Err, &cancelErr)
}

// Config configures a Wrapper.
type Config struct {
	// Stage names the wrapped stage in errors.
	Stage string
	Retry errhandling.RetryConfig
	// Breaker may be shared by several wrappers of the same (pipeline, stage).
	Breaker   *CircuitBreaker
	Fallbacks *FallbackTable
	Handlers  Handlers
	// Sleeper defaults to real timers.
	Sleeper errhandling.Sleeper
	// OnRetry, when set, observes every retry wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Wrapper executes a stage with retry, circuit breaking and fallback.
type Wrapper struct {
	stage     string
	retry     errhandling.RetryConfig
	breaker   *CircuitBreaker
	fallbacks *FallbackTable
	handlers  Handlers
	sleeper   errhandling.Sleeper
	onRetry   func(attempt int, err error, delay time.Duration)
}

// NewWrapper validates cfg and returns a Wrapper. Every strategy reachable
// through the fallback table must have a handler.
func NewWrapper(cfg Config) (*Wrapper, error) {
	if cfg.Breaker == nil {
		return nil, errors.New("resilience: breaker is required")
	}
	if cfg.Fallbacks == nil {
		return nil, errors.New("resilience: fallback table is required")
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("resilience: %w", err)
	}
	if err := checkHandlers(cfg.Fallbacks, cfg.Handlers); err != nil {
		return nil, fmt.Errorf("resilience: stage %s: %w", cfg.Stage, err)
	}
	sleeper := cfg.Sleeper
	if sleeper == nil {
		sleeper = errhandling.TimerSleeper{}
	}
	return &Wrapper{
		stage:     cfg.Stage,
		retry:     cfg.Retry,
		breaker:   cfg.Breaker,
		fallbacks: cfg.Fallbacks,
		handlers:  cfg.Handlers,
		sleeper:   sleeper,
		onRetry:   cfg.OnRetry,
	}, nil
}

// Execute runs fn under the wrapper's policies. Only the final outcome of the
// retry loop is reported to the breaker. A half-open trial is a single
// invocation without retries.
func (w *Wrapper) Execute(ctx context.Context, fn errhandling.RetryFunc) Outcome {
	if err := ctx.Err(); err != nil {
		return Outcome{Err: &errhandling.CancellationError{Stage: w.stage, Err: err}}
	}

	permit, err := w.breaker.Allow()
	if err != nil {
		class := w.breaker.LastFailureClass()
		if class == "" {
			class = pipeline.FailureCircuitOpen
		}
		out := w.fallback(ctx, class, &errhandling.StageError{
			Stage:   w.stage,
			Class:   pipeline.FailureCircuitOpen,
			Message: ErrCircuitOpen.Error(),
			Err:     ErrCircuitOpen,
		})
		out.ShortCircuited = true
		return out
	}

	retry := w.retry
	if permit.Trial() {
		retry.MaxRetries = 0
	}
	executor := errhandling.NewRetryExecutor(retry, w.sleeper)
	executor.OnRetry = w.onRetry
	value, info, err := executor.Execute(ctx, fn)

	if err == nil {
		w.breaker.Record(permit, ResultSuccess, "")
		return Outcome{OK: true, Value: value, Attempts: info.TotalAttempts}
	}

	var cancelErr *errhandling.CancellationError
	if errors.As(err, &cancelErr) {
		w.breaker.Record(permit, ResultIgnored, "")
		if cancelErr.Stage == "" {
			cancelErr.Stage = w.stage
		}
		return Outcome{Err: cancelErr, Attempts: info.TotalAttempts, Cause: err}
	}

	class := errhandling.FailureClassOf(err)
	w.breaker.Record(permit, ResultFailure, class)

	out := w.fallback(ctx, class, err)
	out.Attempts = info.TotalAttempts
	return out
}

// fallback dispatches to the strategy selected by class.
func (w *Wrapper) fallback(ctx context.Context, class pipeline.FailureClass, cause error) Outcome {
	strategy := w.fallbacks.Strategy(class)
	out := Outcome{Strategy: strategy, Class: class, Cause: cause}

	if strategy == pipeline.FallbackFail {
		out.Err = &errhandling.StageError{
			Stage:   w.stage,
			Class:   class,
			Message: fmt.Sprintf("no fallback for %s: %v", class, cause),
			Err:     cause,
		}
		return out
	}

	if err := ctx.Err(); err != nil {
		out.Err = &errhandling.CancellationError{Stage: w.stage, Err: err}
		return out
	}

	value, err := w.handlers[strategy](ctx, FallbackRequest{
		Stage:    w.stage,
		Class:    class,
		Strategy: strategy,
		Cause:    cause,
	})
	if err != nil {
		out.Err = &errhandling.StageError{
			Stage:   w.stage,
			Class:   class,
			Message: fmt.Sprintf("fallback %s failed: %v", strategy, err),
			Err:     errors.Join(cause, err),
		}
		return out
	}

	out.Degraded = true
	out.Value = value
	return out
}
