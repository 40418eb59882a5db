package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/pkg/pipeline"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func noRetry() errhandling.RetryConfig {
	return errhandling.RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, BackoffMultiplier: 2, MaxDelay: time.Millisecond}
}

func cachedHandlers(value interface{}) Handlers {
	fn := func(ctx context.Context, req FallbackRequest) (interface{}, error) {
		return value, nil
	}
	return Handlers{
		pipeline.FallbackCachedSnapshot:   fn,
		pipeline.FallbackPartialResult:    fn,
		pipeline.FallbackReadOnlyDegraded: fn,
	}
}

func newTestWrapper(t *testing.T, breaker *CircuitBreaker, retry errhandling.RetryConfig, sleeper errhandling.Sleeper) *Wrapper {
	t.Helper()
	table, err := NewFallbackTable(nil)
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewWrapper(Config{
		Stage:     "source",
		Retry:     retry,
		Breaker:   breaker,
		Fallbacks: table,
		Handlers:  cachedHandlers("cached"),
		Sleeper:   sleeper,
	})
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func dbDown(calls *int32) errhandling.RetryFunc {
	return func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(calls, 1)
		return nil, errhandling.NewDatabaseUnavailableError("connection refused", nil)
	}
}

func TestBreakerShortCircuitsAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	breaker := NewCircuitBreaker("orders/source", pipeline.CircuitBreakerPolicy{FailureThreshold: 3, RecoveryTimeout: time.Minute}, clock)
	w := newTestWrapper(t, breaker, noRetry(), &recordingSleeper{})

	var calls int32
	for i := 0; i < 3; i++ {
		out := w.Execute(context.Background(), dbDown(&calls))
		if !out.Degraded || out.Value != "cached" {
			t.Fatalf("call %d: expected degraded cached result, got %+v", i, out)
		}
	}
	if breaker.State().State != pipeline.BreakerOpen {
		t.Fatalf("state = %s, want open", breaker.State().State)
	}

	out := w.Execute(context.Background(), dbDown(&calls))
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("stage invoked %d times, want 3 (short-circuit must not call it)", got)
	}
	if !out.ShortCircuited || !out.Degraded {
		t.Errorf("expected short-circuited degraded outcome, got %+v", out)
	}
	if out.Class != pipeline.FailureDatabaseUnavailable || out.Strategy != pipeline.FallbackCachedSnapshot {
		t.Errorf("short-circuit should reuse last failure class, got %s/%s", out.Class, out.Strategy)
	}
}

func TestBreakerHalfOpenAllowsExactlyOneTrial(t *testing.T) {
	clock := newFakeClock()
	breaker := NewCircuitBreaker("b", pipeline.CircuitBreakerPolicy{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second}, clock)

	p, err := breaker.Allow()
	if err != nil {
		t.Fatal(err)
	}
	breaker.Record(p, ResultFailure, pipeline.FailureAPITimeout)
	openedAt := breaker.State().OpenedAt

	clock.Advance(9 * time.Second)
	if _, err := breaker.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("before recovery timeout Allow() = %v, want ErrCircuitOpen", err)
	}

	clock.Advance(time.Second)
	trial, err := breaker.Allow()
	if err != nil || !trial.Trial() {
		t.Fatalf("expected trial permit, got %+v, %v", trial, err)
	}
	if breaker.State().State != pipeline.BreakerHalfOpen {
		t.Fatalf("state = %s, want half_open", breaker.State().State)
	}
	if _, err := breaker.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("a second caller during the trial must be short-circuited")
	}

	// Failing trial reopens and restarts the timer.
	breaker.Record(trial, ResultFailure, pipeline.FailureAPITimeout)
	state := breaker.State()
	if state.State != pipeline.BreakerOpen {
		t.Fatalf("state = %s, want open", state.State)
	}
	if !state.OpenedAt.After(openedAt) {
		t.Error("failing trial must reset opened_at")
	}
	clock.Advance(9 * time.Second)
	if _, err := breaker.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("timer should have restarted after the failed trial")
	}

	// Successful trial closes and resets the count.
	clock.Advance(time.Second)
	trial, _ = breaker.Allow()
	breaker.Record(trial, ResultSuccess, "")
	state = breaker.State()
	if state.State != pipeline.BreakerClosed || state.ConsecutiveFailures != 0 {
		t.Errorf("after successful trial state = %+v", state)
	}
}

func TestWrapperHalfOpenTrialIsSingleInvocation(t *testing.T) {
	clock := newFakeClock()
	breaker := NewCircuitBreaker("b", pipeline.CircuitBreakerPolicy{FailureThreshold: 1, RecoveryTimeout: time.Second}, clock)
	retry := errhandling.RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, BackoffMultiplier: 2, MaxDelay: time.Second}
	sleeper := &recordingSleeper{}
	w := newTestWrapper(t, breaker, retry, sleeper)

	var calls int32
	w.Execute(context.Background(), dbDown(&calls))
	if calls != 4 {
		t.Fatalf("closed-state call made %d invocations, want 4", calls)
	}

	clock.Advance(time.Second)
	calls = 0
	w.Execute(context.Background(), dbDown(&calls))
	if calls != 1 {
		t.Errorf("half-open trial made %d invocations, want exactly 1", calls)
	}
}

func TestRetriesCountAsOneBreakerFailure(t *testing.T) {
	breaker := NewCircuitBreaker("b", pipeline.CircuitBreakerPolicy{FailureThreshold: 2, RecoveryTimeout: time.Minute}, newFakeClock())
	retry := errhandling.RetryConfig{MaxRetries: 4, BaseDelay: time.Second, BackoffMultiplier: 2, MaxDelay: 8 * time.Second}
	sleeper := &recordingSleeper{}
	w := newTestWrapper(t, breaker, retry, sleeper)

	var calls int32
	out := w.Execute(context.Background(), dbDown(&calls))

	if out.Attempts != 5 {
		t.Errorf("Attempts = %d, want 5", out.Attempts)
	}
	if s := breaker.State(); s.State != pipeline.BreakerClosed || s.ConsecutiveFailures != 1 {
		t.Errorf("retry loop should count as one failure, got %+v", s)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(sleeper.waits) != len(want) {
		t.Fatalf("waits = %v, want %v", sleeper.waits, want)
	}
	for i := range want {
		if sleeper.waits[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, sleeper.waits[i], want[i])
		}
	}
}

func TestFallbackByFailureClass(t *testing.T) {
	table, err := NewFallbackTable(nil)
	if err != nil {
		t.Fatal(err)
	}
	used := map[pipeline.FallbackStrategy]int{}
	handler := func(ctx context.Context, req FallbackRequest) (interface{}, error) {
		used[req.Strategy]++
		return string(req.Strategy), nil
	}
	w, err := NewWrapper(Config{
		Stage:     "stage",
		Retry:     noRetry(),
		Breaker:   NewCircuitBreaker("b", pipeline.CircuitBreakerPolicy{FailureThreshold: 100}, newFakeClock()),
		Fallbacks: table,
		Handlers: Handlers{
			pipeline.FallbackCachedSnapshot:   handler,
			pipeline.FallbackPartialResult:    handler,
			pipeline.FallbackReadOnlyDegraded: handler,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		err  error
		want pipeline.FallbackStrategy
	}{
		{errhandling.NewDatabaseUnavailableError("x", nil), pipeline.FallbackCachedSnapshot},
		{errhandling.NewTimeoutError("x", nil), pipeline.FallbackPartialResult},
		{errhandling.NewServiceUnavailableError("x", nil), pipeline.FallbackReadOnlyDegraded},
	}
	for _, tt := range tests {
		out := w.Execute(context.Background(), func(ctx context.Context) (interface{}, error) { return nil, tt.err })
		if !out.Degraded || out.Strategy != tt.want || out.Value != string(tt.want) {
			t.Errorf("error %v: outcome %+v, want degraded via %s", tt.err, out, tt.want)
		}
	}

	out := w.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, &errhandling.StageError{Message: "corrupt", Permanent: true}
	})
	if out.OK || out.Degraded || out.Err == nil {
		t.Errorf("unknown failure must not degrade, got %+v", out)
	}
}

func TestFallbackFailureEscalates(t *testing.T) {
	table, _ := NewFallbackTable(nil)
	failing := func(ctx context.Context, req FallbackRequest) (interface{}, error) {
		return nil, errors.New("no snapshot cached")
	}
	w, err := NewWrapper(Config{
		Stage:     "source",
		Retry:     noRetry(),
		Breaker:   NewCircuitBreaker("b", pipeline.CircuitBreakerPolicy{}, newFakeClock()),
		Fallbacks: table,
		Handlers: Handlers{
			pipeline.FallbackCachedSnapshot:   failing,
			pipeline.FallbackPartialResult:    failing,
			pipeline.FallbackReadOnlyDegraded: failing,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	var calls int32
	out := w.Execute(context.Background(), dbDown(&calls))
	var stageErr *errhandling.StageError
	if !errors.As(out.Err, &stageErr) {
		t.Fatalf("Err = %v, want StageError", out.Err)
	}
	if !strings.Contains(stageErr.Message, "no snapshot cached") {
		t.Errorf("message = %q", stageErr.Message)
	}
}

func TestFallbackTableMustBeExhaustive(t *testing.T) {
	partial := map[pipeline.FailureClass]pipeline.FallbackStrategy{
		pipeline.FailureAPITimeout: pipeline.FallbackPartialResult,
	}
	if _, err := newExhaustiveTable(partial); err == nil {
		t.Fatal("a table missing failure classes must be rejected")
	}

	if _, err := NewFallbackTable(map[pipeline.FailureClass]pipeline.FallbackStrategy{"disk_full": pipeline.FallbackFail}); err == nil {
		t.Error("unknown failure class override must be rejected")
	}
	if _, err := NewFallbackTable(map[pipeline.FailureClass]pipeline.FallbackStrategy{pipeline.FailureUnknown: "retry_forever"}); err == nil {
		t.Error("unknown strategy override must be rejected")
	}
}

func TestWrapperRequiresHandlerForEveryStrategy(t *testing.T) {
	table, _ := NewFallbackTable(nil)
	_, err := NewWrapper(Config{
		Stage:     "source",
		Retry:     noRetry(),
		Breaker:   NewCircuitBreaker("b", pipeline.CircuitBreakerPolicy{}, nil),
		Fallbacks: table,
		Handlers:  Handlers{pipeline.FallbackCachedSnapshot: cachedHandlers(nil)[pipeline.FallbackCachedSnapshot]},
	})
	if err == nil {
		t.Fatal("missing handlers must be a construction error")
	}
}

func TestWrapperCancelledDoesNotCountFailure(t *testing.T) {
	breaker := NewCircuitBreaker("b", pipeline.CircuitBreakerPolicy{FailureThreshold: 1}, newFakeClock())
	w := newTestWrapper(t, breaker, errhandling.DefaultRetryConfig(), &recordingSleeper{})

	ctx, cancel := context.WithCancel(context.Background())
	out := w.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		cancel()
		return nil, ctx.Err()
	})
	if !out.Cancelled() {
		t.Fatalf("expected cancelled outcome, got %+v", out)
	}
	if s := breaker.State(); s.State != pipeline.BreakerClosed || s.ConsecutiveFailures != 0 {
		t.Errorf("cancellation must not count toward the breaker, got %+v", s)
	}
}

func TestSharedBreakerConcurrentRuns(t *testing.T) {
	set := NewBreakerSet(newFakeClock(), nil)
	policy := pipeline.CircuitBreakerPolicy{FailureThreshold: 1000, RecoveryTimeout: time.Minute}
	breaker := set.Get("orders", "source", policy)
	if set.Get("orders", "source", policy) != breaker {
		t.Fatal("same (pipeline, stage) must share one breaker")
	}
	if set.Get("billing", "source", policy) == breaker {
		t.Fatal("different pipelines must not share breakers")
	}

	w := newTestWrapper(t, breaker, noRetry(), &recordingSleeper{})
	var calls int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Execute(context.Background(), dbDown(&calls))
		}()
	}
	wg.Wait()

	if got := breaker.State().ConsecutiveFailures; got != 50 {
		t.Errorf("ConsecutiveFailures = %d, want 50", got)
	}

	set.Reset("orders")
	if set.Get("orders", "source", policy) == breaker {
		t.Error("Reset should drop the pipeline's breakers")
	}
	if _, ok := set.States()[BreakerKey("billing", "source")]; !ok {
		t.Error("Reset must keep other pipelines' breakers")
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	set := NewBreakerSet(newFakeClock(), func(name string, from, to pipeline.BreakerState, failures int) {
		transitions = append(transitions, string(from)+"->"+string(to))
	})
	breaker := set.Get("p", "s", pipeline.CircuitBreakerPolicy{FailureThreshold: 1})
	p, _ := breaker.Allow()
	breaker.Record(p, ResultFailure, pipeline.FailureUnknown)

	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Errorf("transitions = %v", transitions)
	}
}
