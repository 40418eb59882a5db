// Package errhandling provides retry configuration and mechanism for stage execution.
// This file defines retry policy parsing, validation, delay calculation and the
// retry executor used by the resilience wrapper.
package errhandling

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/canectors/dataflow/pkg/pipeline"
)

// Default retry configuration values
const (
	DefaultMaxRetries        = 3
	DefaultBaseDelay         = time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultMaxDelay          = 30 * time.Second
	MaxRetryAttempts         = 10
	MinBackoffMultiplier     = 1.0
)

// RetryConfig holds the retry configuration of one wrapped stage.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt (0 = no retry).
	MaxRetries int

	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// MaxDelay caps every wait.
	MaxDelay time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        DefaultMaxRetries,
		BaseDelay:         DefaultBaseDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
		MaxDelay:          DefaultMaxDelay,
	}
}

// RetryConfigFromPolicy converts a pipeline retry policy. Only the zero
// policy means "not configured" and yields the defaults; any other policy is
// taken literally, so MaxRetries 0 disables retries. Missing delays and
// multiplier are defaulted.
func RetryConfigFromPolicy(p pipeline.RetryPolicy) RetryConfig {
	if p == (pipeline.RetryPolicy{}) {
		return DefaultRetryConfig()
	}
	cfg := RetryConfig{
		MaxRetries:        p.MaxRetries,
		BaseDelay:         p.BaseDelay,
		BackoffMultiplier: p.BackoffMultiplier,
		MaxDelay:          p.MaxDelay,
	}
	if cfg.MaxRetries > 0 && cfg.BaseDelay == 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.BackoffMultiplier == 0 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	return cfg
}

// Policy converts the configuration back to its public form.
func (c RetryConfig) Policy() pipeline.RetryPolicy {
	return pipeline.RetryPolicy{
		MaxRetries:        c.MaxRetries,
		BaseDelay:         c.BaseDelay,
		MaxDelay:          c.MaxDelay,
		BackoffMultiplier: c.BackoffMultiplier,
	}
}

// Validate returns an error if any value is out of range.
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("maxRetries must be >= 0")
	}
	if c.MaxRetries > MaxRetryAttempts {
		return fmt.Errorf("maxRetries must be <= %d", MaxRetryAttempts)
	}
	if c.BaseDelay < 0 {
		return errors.New("baseDelay must be >= 0")
	}
	if c.BackoffMultiplier < MinBackoffMultiplier {
		return fmt.Errorf("backoffMultiplier must be >= %v", MinBackoffMultiplier)
	}
	if c.MaxDelay < 0 {
		return errors.New("maxDelay must be >= 0")
	}
	if c.MaxDelay < c.BaseDelay {
		return errors.New("maxDelay must be >= baseDelay")
	}
	return nil
}

// CalculateDelay calculates the wait before retry number attempt (0-based).
// The formula is: min(baseDelay * (backoffMultiplier ^ attempt), maxDelay)
func (c RetryConfig) CalculateDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(c.BaseDelay) * math.Pow(c.BackoffMultiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether attempt (0-based) may be followed by a retry.
func (c RetryConfig) ShouldRetry(attempt int, err error) bool {
	if err == nil || c.MaxRetries == 0 {
		return false
	}
	if attempt >= c.MaxRetries {
		return false
	}
	return IsRetryable(err)
}

// ParseRetryConfig parses retry configuration from a document map.
// Missing values are filled with defaults.
func ParseRetryConfig(m map[string]interface{}) RetryConfig {
	config := DefaultRetryConfig()
	if m == nil {
		return config
	}

	if maxRetries, ok := getInt(m, "maxRetries"); ok {
		config.MaxRetries = maxRetries
	}
	if delayMs, ok := getInt(m, "baseDelayMs"); ok {
		config.BaseDelay = time.Duration(delayMs) * time.Millisecond
	}
	if backoffMultiplier, ok := getFloat(m, "backoffMultiplier"); ok {
		config.BackoffMultiplier = backoffMultiplier
	}
	if maxDelayMs, ok := getInt(m, "maxDelayMs"); ok {
		config.MaxDelay = time.Duration(maxDelayMs) * time.Millisecond
	}
	return config
}

// getInt extracts an int value from a map, handling float64 (JSON) and int types.
func getInt(m map[string]interface{}, key string) (int, bool) {
	if v, ok := m[key]; ok {
		switch val := v.(type) {
		case float64:
			return int(val), true
		case int:
			return val, true
		case int64:
			return int(val), true
		}
	}
	return 0, false
}

// getFloat extracts a float64 value from a map.
func getFloat(m map[string]interface{}, key string) (float64, bool) {
	if v, ok := m[key]; ok {
		switch val := v.(type) {
		case float64:
			return val, true
		case int:
			return float64(val), true
		case int64:
			return float64(val), true
		}
	}
	return 0, false
}

// ============================
// Retry Executor
// ============================

// Sleeper waits between retries. Implementations must return early with the
// context error when ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// TimerSleeper waits on a real timer.
type TimerSleeper struct{}

// Sleep blocks for d or until ctx is done.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryFunc is a function that can be retried.
type RetryFunc func(ctx context.Context) (interface{}, error)

// RetryInfo contains information about retry attempts.
type RetryInfo struct {
	// TotalAttempts is the total number of invocations made.
	TotalAttempts int

	// Delays is the list of waits between attempts.
	Delays []time.Duration

	// Errors is the list of errors encountered.
	Errors []error
}

// RetryExecutor executes functions with retry logic.
type RetryExecutor struct {
	config  RetryConfig
	sleeper Sleeper

	// OnRetry, when set, is called before every wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// NewRetryExecutor creates a retry executor. A nil sleeper uses real timers.
func NewRetryExecutor(config RetryConfig, sleeper Sleeper) *RetryExecutor {
	if sleeper == nil {
		sleeper = TimerSleeper{}
	}
	return &RetryExecutor{config: config, sleeper: sleeper}
}

// Execute runs fn, retrying retryable errors up to MaxRetries times. A
// cancelled context, before an attempt or during a wait, ends the loop with
// a CancellationError.
func (e *RetryExecutor) Execute(ctx context.Context, fn RetryFunc) (interface{}, RetryInfo, error) {
	info := RetryInfo{}
	var lastErr error

	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, info, &CancellationError{Err: err}
		}

		info.TotalAttempts = attempt + 1
		result, err := fn(ctx)
		if err == nil {
			return result, info, nil
		}

		lastErr = err
		info.Errors = append(info.Errors, err)

		// A failure caused by our own context ending is a cancellation.
		if ctx.Err() != nil {
			return nil, info, &CancellationError{Err: ctx.Err()}
		}

		if !e.config.ShouldRetry(attempt, err) {
			break
		}

		delay := e.config.CalculateDelay(attempt)
		info.Delays = append(info.Delays, delay)
		if e.OnRetry != nil {
			e.OnRetry(attempt, err, delay)
		}

		if err := e.sleeper.Sleep(ctx, delay); err != nil {
			return nil, info, &CancellationError{Err: err}
		}
	}

	return nil, info, lastErr
}
