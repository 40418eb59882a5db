package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/internal/metrics"
	"github.com/canectors/dataflow/internal/modules/input"
	"github.com/canectors/dataflow/internal/modules/output"
	"github.com/canectors/dataflow/internal/registry"
	"github.com/canectors/dataflow/internal/runstore"
	"github.com/canectors/dataflow/pkg/pipeline"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
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

func (s *recordingSleeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waits)
}

// scriptedSource answers Read with fn, given the 1-based call number.
type scriptedSource struct {
	calls int32
	fn    func(ctx context.Context, call int) (pipeline.Batch, error)
}

func (s *scriptedSource) Read(ctx context.Context, spec pipeline.BatchSpec) (pipeline.Batch, error) {
	return s.fn(ctx, int(atomic.AddInt32(&s.calls, 1)))
}

func (s *scriptedSource) Close() error { return nil }

func (s *scriptedSource) Calls() int { return int(atomic.LoadInt32(&s.calls)) }

const scriptedType = "scripted"

var (
	scriptedMu      sync.Mutex
	scriptedSources = map[string]*scriptedSource{}
)

func init() {
	registry.RegisterSource(scriptedType, func(cfg map[string]interface{}) (input.Source, error) {
		name, _ := cfg["name"].(string)
		scriptedMu.Lock()
		defer scriptedMu.Unlock()
		s, ok := scriptedSources[name]
		if !ok {
			return nil, fmt.Errorf("no scripted source %q", name)
		}
		return s, nil
	})
}

func scripted(t *testing.T, fn func(ctx context.Context, call int) (pipeline.Batch, error)) pipeline.DataSource {
	t.Helper()
	s := &scriptedSource{fn: fn}
	scriptedMu.Lock()
	scriptedSources[t.Name()] = s
	scriptedMu.Unlock()
	t.Cleanup(func() {
		scriptedMu.Lock()
		delete(scriptedSources, t.Name())
		scriptedMu.Unlock()
	})
	return pipeline.DataSource{Type: scriptedType, Config: map[string]interface{}{"name": t.Name()}}
}

func sourceOf(t *testing.T) *scriptedSource {
	scriptedMu.Lock()
	defer scriptedMu.Unlock()
	return scriptedSources[t.Name()]
}

func inline(records ...pipeline.Record) pipeline.DataSource {
	list := make([]interface{}, len(records))
	for i, r := range records {
		list[i] = map[string]interface{}(r)
	}
	return pipeline.DataSource{Type: input.TypeInline, Config: map[string]interface{}{"records": list}}
}

// memoryDest returns a memory destination private to the test.
func memoryDest(t *testing.T) (pipeline.DataDestination, *output.MemoryStore) {
	name := "engine-" + t.Name()
	return pipeline.DataDestination{Type: output.TypeMemory, Config: map[string]interface{}{"name": name}}, output.Store(name)
}

type harness struct {
	engine  *Engine
	clock   *fakeClock
	sleeper *recordingSleeper
	store   *runstore.MemoryStore
}

func newHarness(opts ...Option) *harness {
	h := &harness{clock: newFakeClock(), sleeper: &recordingSleeper{}, store: runstore.NewMemoryStore()}
	all := append([]Option{WithClock(h.clock), WithSleeper(h.sleeper), WithStore(h.store)}, opts...)
	h.engine = New(all...)
	return h
}

func checkTallies(t *testing.T, run *pipeline.PipelineRun) {
	t.Helper()
	if got := run.RecordsSucceeded + run.RecordsFailed + run.RecordsFiltered; got != run.RecordsProcessed {
		t.Errorf("succeeded %d + failed %d + filtered %d = %d, want processed %d",
			run.RecordsSucceeded, run.RecordsFailed, run.RecordsFiltered, got, run.RecordsProcessed)
	}
}

func stageNamed(run *pipeline.PipelineRun, name string) (pipeline.StageOutcome, bool) {
	for _, s := range run.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return pipeline.StageOutcome{}, false
}

func TestRunFilterAccounting(t *testing.T) {
	h := newHarness()
	dest, written := memoryDest(t)
	cfg := &pipeline.PipelineConfig{
		ID:     "orders",
		Source: inline(pipeline.Record{"id": 1, "amount": 10}, pipeline.Record{"id": 2, "amount": -1}, pipeline.Record{"id": 3, "amount": 5}),
		Transformations: []pipeline.Transformation{
			{Type: pipeline.TransformFilter, Order: 1, Config: map[string]interface{}{"expression": "amount > 0"}},
		},
		Destination: dest,
	}

	run, err := h.engine.Run(context.Background(), cfg, time.Time{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Status != pipeline.RunCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	if run.RecordsProcessed != 3 || run.RecordsSucceeded != 2 || run.RecordsFailed != 0 || run.RecordsFiltered != 1 {
		t.Errorf("tallies = %d/%d/%d/%d, want 3/2/0/1",
			run.RecordsProcessed, run.RecordsSucceeded, run.RecordsFailed, run.RecordsFiltered)
	}
	checkTallies(t, run)
	if run.Degraded || run.CompletedAt == nil {
		t.Errorf("degraded = %v, completedAt = %v", run.Degraded, run.CompletedAt)
	}
	if got := len(written.Run(run.ID)); got != 2 {
		t.Errorf("destination received %d records, want 2", got)
	}

	var names []string
	for _, s := range run.Stages {
		names = append(names, s.Name)
	}
	if fmt.Sprint(names) != "[source filter-1 destination]" {
		t.Errorf("stages = %v", names)
	}

	stored, err := h.store.Get(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != pipeline.RunCompleted || stored.RecordsSucceeded != 2 {
		t.Errorf("stored run = %s/%d", stored.Status, stored.RecordsSucceeded)
	}
}

func TestRunRecordErrorsCountAsFailed(t *testing.T) {
	h := newHarness()
	dest, _ := memoryDest(t)
	cfg := &pipeline.PipelineConfig{
		ID:     "normalize",
		Source: inline(pipeline.Record{"qty": "3"}, pipeline.Record{"qty": "three"}, pipeline.Record{"qty": 4}),
		Transformations: []pipeline.Transformation{{
			Type:  pipeline.TransformCustom,
			Order: 0,
			Config: map[string]interface{}{
				"function": "normalize_types",
				"params":   map[string]interface{}{"types": map[string]interface{}{"qty": "integer"}},
			},
		}},
		Destination: dest,
	}

	run, err := h.engine.Run(context.Background(), cfg, time.Time{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.RecordsFailed != 1 || run.RecordsSucceeded != 2 {
		t.Errorf("failed = %d succeeded = %d, want 1 and 2", run.RecordsFailed, run.RecordsSucceeded)
	}
	checkTallies(t, run)
	if s, _ := stageNamed(run, "custom-0"); s.RecordErrors != 1 {
		t.Errorf("stage record errors = %d, want 1", s.RecordErrors)
	}
}

func TestQualityGate(t *testing.T) {
	batch := make([]pipeline.Record, 10)
	for i := range batch {
		var email interface{} = fmt.Sprintf("user%d@example.com", i)
		if i < 2 {
			email = nil
		}
		batch[i] = pipeline.Record{"id": i, "email": email}
	}

	tests := []struct {
		name      string
		threshold float64
		want      pipeline.RunStatus
	}{
		{"score above threshold", 0.7, pipeline.RunCompleted},
		{"score below threshold", 0.9, pipeline.RunFailed},
		{"gate disabled", 0, pipeline.RunCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			dest, written := memoryDest(t)
			cfg := &pipeline.PipelineConfig{
				ID:     "customers",
				Source: inline(batch...),
				Transformations: []pipeline.Transformation{
					{Name: "trim", Type: pipeline.TransformCustom, Order: 1, Config: map[string]interface{}{"function": "trim_strings"}},
				},
				Destination: dest,
				Rules: []pipeline.QualityRule{{
					Name:      "email-present",
					Type:      pipeline.RuleCompleteness,
					Condition: pipeline.RuleCondition{Field: "email"},
					Threshold: 0.5,
					Severity:  pipeline.SeverityHigh,
				}},
				Checkpoints: []pipeline.Checkpoint{{Index: 0, HardThreshold: tt.threshold}},
			}

			run, err := h.engine.Run(context.Background(), cfg, time.Time{})
			if run == nil {
				t.Fatalf("Run() returned no run, error = %v", err)
			}
			if run.Status != tt.want {
				t.Fatalf("status = %s, want %s (error %v)", run.Status, tt.want, err)
			}
			checkTallies(t, run)

			if len(run.Checkpoints) != 1 {
				t.Fatalf("checkpoints = %d, want 1", len(run.Checkpoints))
			}
			report := run.Checkpoints[0]
			if report.RunID != run.ID || report.Checkpoint != 0 || report.RecordCount != 10 {
				t.Errorf("report = run %q checkpoint %d records %d", report.RunID, report.Checkpoint, report.RecordCount)
			}
			if report.OverallScore < 0.79 || report.OverallScore > 0.81 {
				t.Errorf("overall score = %v, want 0.8", report.OverallScore)
			}

			if tt.want == pipeline.RunFailed {
				var gateErr *errhandling.QualityGateError
				if !errors.As(err, &gateErr) {
					t.Fatalf("error = %v, want QualityGateError", err)
				}
				if run.Error == nil || run.Error.Code != errhandling.CodeQualityGateFailed {
					t.Errorf("run error = %+v", run.Error)
				}
				if len(written.Run(run.ID)) != 0 {
					t.Error("a failed gate must not reach the destination")
				}
				if run.RecordsSucceeded != 0 || run.RecordsFailed != 10 {
					t.Errorf("succeeded = %d failed = %d, want 0 and 10", run.RecordsSucceeded, run.RecordsFailed)
				}
				return
			}
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if len(written.Run(run.ID)) != 10 {
				t.Errorf("destination received %d records, want 10", len(written.Run(run.ID)))
			}
		})
	}
}

func TestRunConfigurationErrorCreatesNoRun(t *testing.T) {
	h := newHarness()
	tests := []struct {
		name  string
		cfg   *pipeline.PipelineConfig
		field string
	}{
		{"nil config", nil, ""},
		{"missing source type", &pipeline.PipelineConfig{ID: "p", Destination: pipeline.DataDestination{Type: "console"}}, "source.type"},
		{"unknown source type", &pipeline.PipelineConfig{ID: "p", Source: pipeline.DataSource{Type: "ftp"}, Destination: pipeline.DataDestination{Type: "console"}}, "source.type"},
		{"checkpoint out of range", &pipeline.PipelineConfig{
			ID:          "p",
			Source:      inline(),
			Destination: pipeline.DataDestination{Type: "console"},
			Checkpoints: []pipeline.Checkpoint{{Index: 0}},
		}, "checkpoints[0].index"},
		{"bad filter expression", &pipeline.PipelineConfig{
			ID:     "p",
			Source: inline(),
			Transformations: []pipeline.Transformation{
				{Type: pipeline.TransformFilter, Order: 0, Config: map[string]interface{}{"expression": "amount >"}},
			},
			Destination: pipeline.DataDestination{Type: "console"},
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run, err := h.engine.Run(context.Background(), tt.cfg, time.Time{})
			if run != nil {
				t.Errorf("Run() created run %s", run.ID)
			}
			var cfgErr *errhandling.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error = %v (%T), want ConfigurationError", err, err)
			}
			if tt.field != "" && cfgErr.Field != tt.field {
				t.Errorf("field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}

	runs, err := h.store.List(context.Background(), runstore.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("registry holds %d runs, want 0", len(runs))
	}
}

func TestRunCancelled(t *testing.T) {
	h := newHarness()
	dest, _ := memoryDest(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := h.engine.Run(ctx, &pipeline.PipelineConfig{ID: "p", Source: inline(pipeline.Record{"a": 1}), Destination: dest}, time.Time{})
	var cancelErr *errhandling.CancellationError
	if !errors.As(err, &cancelErr) {
		t.Fatalf("error = %v, want CancellationError", err)
	}
	if run.Status != pipeline.RunFailed || run.Error.Code != errhandling.CodeCancelled {
		t.Errorf("run = %s %+v", run.Status, run.Error)
	}
	stored, _ := h.store.Get(context.Background(), run.ID)
	if stored.Status != pipeline.RunFailed {
		t.Errorf("stored status = %s, want failed", stored.Status)
	}
}

func TestRunTimeout(t *testing.T) {
	h := newHarness()
	dest, _ := memoryDest(t)
	src := scripted(t, func(ctx context.Context, call int) (pipeline.Batch, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	run, err := h.engine.Run(context.Background(), &pipeline.PipelineConfig{
		ID: "slow", Source: src, Destination: dest, Timeout: 20 * time.Millisecond,
	}, time.Time{})
	if err == nil {
		t.Fatal("Run() error = nil, want deadline")
	}
	if run.Status != pipeline.RunFailed || run.Error.Code != errhandling.CodeCancelled || run.Error.Stage != StageSource {
		t.Errorf("run = %s %+v", run.Status, run.Error)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}

func TestSourceFallbackServesSnapshot(t *testing.T) {
	h := newHarness()
	dest, written := memoryDest(t)
	src := scripted(t, func(ctx context.Context, call int) (pipeline.Batch, error) {
		if call == 1 {
			return pipeline.Batch{{"id": 1}, {"id": 2}}, nil
		}
		return nil, errhandling.NewDatabaseUnavailableError("connection refused", nil)
	})
	cfg := &pipeline.PipelineConfig{
		ID:          "snapshots",
		Source:      src,
		Destination: dest,
		Retry:       pipeline.RetryPolicy{MaxRetries: 1, BaseDelay: time.Second, MaxDelay: time.Second, BackoffMultiplier: 2},
	}

	first, err := h.engine.Run(context.Background(), cfg, time.Time{})
	if err != nil || first.Degraded {
		t.Fatalf("first run: degraded = %v error = %v", first.Degraded, err)
	}

	second, err := h.engine.Run(context.Background(), cfg, time.Time{})
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}
	if second.Status != pipeline.RunCompleted || !second.Degraded {
		t.Errorf("second run = %s degraded %v, want completed degraded", second.Status, second.Degraded)
	}
	s, ok := stageNamed(second, StageSource)
	if !ok || !s.Degraded || s.Fallback != pipeline.FallbackCachedSnapshot || s.FailureClass != pipeline.FailureDatabaseUnavailable {
		t.Errorf("source stage = %+v", s)
	}
	if s.Attempts != 2 || h.sleeper.count() != 1 {
		t.Errorf("attempts = %d waits = %d, want 2 and 1", s.Attempts, h.sleeper.count())
	}
	if got := len(written.Run(second.ID)); got != 2 {
		t.Errorf("destination received %d records from the snapshot, want 2", got)
	}
	checkTallies(t, second)
}

func TestExplicitZeroRetriesInvokesOnce(t *testing.T) {
	h := newHarness()
	dest, _ := memoryDest(t)
	src := scripted(t, func(ctx context.Context, call int) (pipeline.Batch, error) {
		return nil, errhandling.NewServiceUnavailableError("503", nil)
	})

	run, _ := h.engine.Run(context.Background(), &pipeline.PipelineConfig{
		ID: "no-retry", Source: src, Destination: dest, Retry: pipeline.RetryPolicy{MaxRetries: 0, BackoffMultiplier: 2},
	}, time.Time{})

	if got := sourceOf(t).Calls(); got != 1 {
		t.Errorf("source calls = %d, want 1", got)
	}
	if got := h.sleeper.count(); got != 0 {
		t.Errorf("waits = %v, want none", h.sleeper.waits)
	}
	if s, ok := stageNamed(run, StageSource); !ok || s.Attempts != 1 {
		t.Errorf("source stage = %+v", s)
	}
}

func TestSourceFallbackWithoutSnapshotFails(t *testing.T) {
	h := newHarness()
	dest, _ := memoryDest(t)
	src := scripted(t, func(ctx context.Context, call int) (pipeline.Batch, error) {
		return nil, errhandling.NewDatabaseUnavailableError("connection refused", nil)
	})

	run, err := h.engine.Run(context.Background(), &pipeline.PipelineConfig{
		ID: "cold", Source: src, Destination: dest, Retry: pipeline.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond},
	}, time.Time{})
	if err == nil {
		t.Fatal("Run() error = nil, want failure")
	}
	if !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("error = %v, want ErrNoSnapshot in chain", err)
	}
	if run.Error.Code != errhandling.CodeFallbackFailed || run.Error.Details["strategy"] != string(pipeline.FallbackCachedSnapshot) {
		t.Errorf("run error = %+v", run.Error)
	}
	if run.Error.FailureClass != pipeline.FailureDatabaseUnavailable {
		t.Errorf("failure class = %s", run.Error.FailureClass)
	}
}

func TestReadOnlyFallbackSuppressesWrite(t *testing.T) {
	h := newHarness()
	dest, written := memoryDest(t)
	src := scripted(t, func(ctx context.Context, call int) (pipeline.Batch, error) {
		if call == 1 {
			return pipeline.Batch{{"id": 1}}, nil
		}
		return nil, errhandling.NewServiceUnavailableError("503", nil)
	})
	cfg := &pipeline.PipelineConfig{ID: "ro", Source: src, Destination: dest, Retry: pipeline.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond}}

	if _, err := h.engine.Run(context.Background(), cfg, time.Time{}); err != nil {
		t.Fatal(err)
	}
	run, err := h.engine.Run(context.Background(), cfg, time.Time{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !run.ReadOnly || !run.Degraded || run.Status != pipeline.RunCompleted {
		t.Errorf("run = %s readOnly %v degraded %v", run.Status, run.ReadOnly, run.Degraded)
	}
	if _, ok := stageNamed(run, StageDestination); ok {
		t.Error("read-only run has a destination stage")
	}
	if len(written.Run(run.ID)) != 0 {
		t.Error("read-only run wrote to the destination")
	}
	if run.RecordsSucceeded != 1 {
		t.Errorf("succeeded = %d, want 1", run.RecordsSucceeded)
	}
}

func TestTransformationFallbackPassesInputThrough(t *testing.T) {
	h := newHarness()
	dest, written := memoryDest(t)
	scripted(t, func(ctx context.Context, call int) (pipeline.Batch, error) {
		return nil, errhandling.NewTimeoutError("lookup timed out", nil)
	})
	cfg := &pipeline.PipelineConfig{
		ID:     "enrich",
		Source: inline(pipeline.Record{"customer_id": 1}, pipeline.Record{"customer_id": 2}),
		Transformations: []pipeline.Transformation{{
			Name:  "customers",
			Type:  pipeline.TransformJoin,
			Order: 0,
			Config: map[string]interface{}{
				"on":     []interface{}{"customer_id"},
				"source": map[string]interface{}{"type": scriptedType, "config": map[string]interface{}{"name": t.Name()}},
			},
		}},
		Destination: dest,
		Retry:       pipeline.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond},
	}

	run, err := h.engine.Run(context.Background(), cfg, time.Time{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	s, _ := stageNamed(run, "customers")
	if !s.Degraded || s.Fallback != pipeline.FallbackPartialResult || s.FailureClass != pipeline.FailureAPITimeout {
		t.Errorf("join stage = %+v", s)
	}
	if len(written.Run(run.ID)) != 2 {
		t.Errorf("destination received %d records, want 2", len(written.Run(run.ID)))
	}
	if sourceOf(t).Calls() != 1 {
		t.Errorf("join source read %d times, want 1", sourceOf(t).Calls())
	}
}

func TestDryRunSkipsDestination(t *testing.T) {
	h := newHarness()
	run, err := h.engine.Run(context.Background(), &pipeline.PipelineConfig{
		ID:     "dry",
		Source: inline(pipeline.Record{"a": 1}, pipeline.Record{"a": 2}),
		DryRun: true,
	}, time.Time{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Status != pipeline.RunCompleted || run.RecordsSucceeded != 2 {
		t.Errorf("run = %s succeeded %d", run.Status, run.RecordsSucceeded)
	}
	if _, ok := stageNamed(run, StageDestination); ok {
		t.Error("dry run has a destination stage")
	}
}

func TestBreakerShortCircuitsAcrossRuns(t *testing.T) {
	h := newHarness()
	dest, _ := memoryDest(t)
	src := scripted(t, func(ctx context.Context, call int) (pipeline.Batch, error) {
		return nil, errors.New("boom")
	})
	cfg := &pipeline.PipelineConfig{
		ID:             "breaker",
		Source:         src,
		Destination:    dest,
		Retry:          pipeline.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond},
		CircuitBreaker: pipeline.CircuitBreakerPolicy{FailureThreshold: 2, RecoveryTimeout: time.Minute},
	}

	for i := 0; i < 3; i++ {
		run, err := h.engine.Run(context.Background(), cfg, time.Time{})
		if err == nil || run.Status != pipeline.RunFailed {
			t.Fatalf("run %d: status %s error %v, want failed", i, run.Status, err)
		}
	}
	if got := sourceOf(t).Calls(); got != 2 {
		t.Errorf("source called %d times, want 2 (third run short-circuited)", got)
	}
	state := h.engine.Breakers()["breaker/source"]
	if state.State != pipeline.BreakerOpen {
		t.Errorf("breaker state = %s, want open", state.State)
	}

	h.clock.Advance(time.Minute)
	if _, err := h.engine.Run(context.Background(), cfg, time.Time{}); err == nil {
		t.Fatal("trial run succeeded against a failing source")
	}
	if got := sourceOf(t).Calls(); got != 3 {
		t.Errorf("source called %d times after recovery timeout, want 3", got)
	}
}

func TestNotifierFailuresDoNotAffectRun(t *testing.T) {
	var (
		mu       sync.Mutex
		received []pipeline.PipelineRun
		reports  []*pipeline.QualityReport
	)
	rec := metrics.New()
	h := newHarness(
		WithMetrics(rec),
		WithNotifier(func(ctx context.Context, run pipeline.PipelineRun, report *pipeline.QualityReport) error {
			panic("notifier bug")
		}),
		WithNotifier(func(ctx context.Context, run pipeline.PipelineRun, report *pipeline.QualityReport) error {
			return errors.New("webhook unreachable")
		}),
		WithNotifier(func(ctx context.Context, run pipeline.PipelineRun, report *pipeline.QualityReport) error {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, run)
			reports = append(reports, report)
			return nil
		}),
	)
	dest, _ := memoryDest(t)
	run, err := h.engine.Run(context.Background(), &pipeline.PipelineConfig{
		ID:     "notify",
		Source: inline(pipeline.Record{"email": "a@example.com"}),
		Transformations: []pipeline.Transformation{
			{Type: pipeline.TransformCustom, Order: 0, Config: map[string]interface{}{"function": "trim_strings"}},
		},
		Rules: []pipeline.QualityRule{{
			Name: "email", Type: pipeline.RuleCompleteness, Condition: pipeline.RuleCondition{Field: "email"},
			Threshold: 1, Severity: pipeline.SeverityLow,
		}},
		Checkpoints: []pipeline.Checkpoint{{Index: 0}},
		Destination: dest,
	}, time.Time{})
	if err != nil || run.Status != pipeline.RunCompleted {
		t.Fatalf("run = %v error = %v", run.Status, err)
	}
	h.engine.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].ID != run.ID || received[0].Status != pipeline.RunCompleted {
		t.Fatalf("received = %+v", received)
	}
	if reports[0] == nil || reports[0].RunID != run.ID {
		t.Errorf("report = %+v, want the checkpoint report", reports[0])
	}
	stored, _ := h.store.Get(context.Background(), run.ID)
	if stored.Status != pipeline.RunCompleted {
		t.Errorf("stored status = %s", stored.Status)
	}
}

func TestRunPublishesLifecycle(t *testing.T) {
	h := newHarness()
	updates, cancel := h.store.Subscribe(64)
	defer cancel()
	dest, _ := memoryDest(t)

	run, err := h.engine.Run(context.Background(), &pipeline.PipelineConfig{
		ID: "lifecycle", Source: inline(pipeline.Record{"a": 1}), Destination: dest,
	}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	var statuses []pipeline.RunStatus
	for len(updates) > 0 {
		u := <-updates
		if u.ID == run.ID {
			statuses = append(statuses, u.Status)
		}
	}
	if len(statuses) < 3 {
		t.Fatalf("statuses = %v", statuses)
	}
	if statuses[0] != pipeline.RunPending || statuses[1] != pipeline.RunRunning || statuses[len(statuses)-1] != pipeline.RunCompleted {
		t.Errorf("statuses = %v, want pending, running ..., completed", statuses)
	}
}

func TestRollback(t *testing.T) {
	h := newHarness()
	dest, written := memoryDest(t)
	cfg := &pipeline.PipelineConfig{ID: "rollback", Source: inline(pipeline.Record{"a": 1}, pipeline.Record{"a": 2}), Destination: dest}
	if err := h.engine.Register(cfg); err != nil {
		t.Fatal(err)
	}

	run, err := h.engine.Start(context.Background(), "rollback", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(written.Run(run.ID)) != 2 {
		t.Fatalf("destination received %d records", len(written.Run(run.ID)))
	}

	rolled, err := h.engine.Rollback(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if rolled.Status != pipeline.RunRolledBack {
		t.Errorf("status = %s, want rolled_back", rolled.Status)
	}
	if len(written.Run(run.ID)) != 0 {
		t.Error("records still present after rollback")
	}

	if _, err := h.engine.Rollback(context.Background(), run.ID); !errors.Is(err, ErrNotRollbackable) {
		t.Errorf("second Rollback() error = %v, want ErrNotRollbackable", err)
	}
	if _, err := h.engine.Rollback(context.Background(), "missing"); !errors.Is(err, runstore.ErrNotFound) {
		t.Errorf("Rollback(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRollbackUsesRecordedDestination(t *testing.T) {
	h := newHarness()
	first, firstStore := memoryDest(t)
	second := pipeline.DataDestination{Type: output.TypeMemory, Config: map[string]interface{}{"name": "engine-" + t.Name() + "-moved"}}
	secondStore := output.Store("engine-" + t.Name() + "-moved")

	cfg := &pipeline.PipelineConfig{ID: "moved", Source: inline(pipeline.Record{"a": 1}), Destination: first}
	if err := h.engine.Register(cfg); err != nil {
		t.Fatal(err)
	}
	run, err := h.engine.Start(context.Background(), "moved", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if run.Destination == nil || run.Destination.Config["name"] != first.Config["name"] {
		t.Fatalf("run destination = %+v, want %+v", run.Destination, first)
	}

	cfg.Destination = second
	if err := h.engine.Register(cfg); err != nil {
		t.Fatal(err)
	}
	later, err := h.engine.Start(context.Background(), "moved", time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.engine.Rollback(context.Background(), run.ID); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if n := len(firstStore.Run(run.ID)); n != 0 {
		t.Errorf("original destination still holds %d records", n)
	}
	if n := len(secondStore.Run(later.ID)); n != 1 {
		t.Errorf("current destination holds %d records for the later run, want 1", n)
	}
}

func TestRollbackRequiresCompletedRun(t *testing.T) {
	h := newHarness()
	src := scripted(t, func(ctx context.Context, call int) (pipeline.Batch, error) {
		return nil, errors.New("boom")
	})
	run, _ := h.engine.Run(context.Background(), &pipeline.PipelineConfig{
		ID: "failing", Source: src, DryRun: true, Retry: pipeline.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond},
	}, time.Time{})
	if run.Status != pipeline.RunFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if _, err := h.engine.Rollback(context.Background(), run.ID); !errors.Is(err, ErrNotRollbackable) {
		t.Errorf("Rollback() error = %v, want ErrNotRollbackable", err)
	}
}

func TestRollbackDryRunNeedsNoDestination(t *testing.T) {
	h := newHarness()
	run, err := h.engine.Run(context.Background(), &pipeline.PipelineConfig{
		ID: "dry-rollback", Source: inline(pipeline.Record{"a": 1}), DryRun: true,
	}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	rolled, err := h.engine.Rollback(context.Background(), run.ID)
	if err != nil || rolled.Status != pipeline.RunRolledBack {
		t.Errorf("Rollback() = %v, %v", rolled, err)
	}
}

func TestStartUnknownPipeline(t *testing.T) {
	h := newHarness()
	if _, err := h.engine.Start(context.Background(), "nope", time.Time{}); !errors.Is(err, ErrPipelineNotFound) {
		t.Errorf("Start() error = %v, want ErrPipelineNotFound", err)
	}
}

func TestRegisterReplacesAndLists(t *testing.T) {
	h := newHarness()
	for _, id := range []string{"b", "a"} {
		if err := h.engine.Register(&pipeline.PipelineConfig{ID: id, Source: inline(), DryRun: true}); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.engine.Register(&pipeline.PipelineConfig{ID: "a", Name: "replaced", Source: inline(), DryRun: true}); err != nil {
		t.Fatal(err)
	}
	list := h.engine.Pipelines()
	if len(list) != 2 || list[0].ID != "a" || list[0].Name != "replaced" || list[1].ID != "b" {
		t.Errorf("Pipelines() = %+v", list)
	}
	if err := h.engine.Register(&pipeline.PipelineConfig{ID: "bad"}); err == nil {
		t.Error("Register() accepted an invalid configuration")
	}
	if _, ok := h.engine.Pipeline("bad"); ok {
		t.Error("invalid configuration was registered")
	}
}

func TestConcurrentRunsShareRegistry(t *testing.T) {
	h := newHarness()
	dest, written := memoryDest(t)
	cfg := &pipeline.PipelineConfig{ID: "parallel", Source: inline(pipeline.Record{"a": 1}), Destination: dest}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.Run(context.Background(), cfg, time.Time{}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	runs, err := h.engine.List(context.Background(), runstore.Filter{PipelineID: "parallel"})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 8 {
		t.Errorf("registry holds %d runs, want 8", len(runs))
	}
	if len(written.Records()) != 8 {
		t.Errorf("destination holds %d records, want 8", len(written.Records()))
	}
}
