package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/canectors/dataflow/pkg/pipeline"
)

func TestRunFinished(t *testing.T) {
	r := New()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Second)

	r.RunStarted()
	r.RunFinished(&pipeline.PipelineRun{
		PipelineID:       "orders",
		Status:           pipeline.RunCompleted,
		StartedAt:        start,
		CompletedAt:      &end,
		RecordsProcessed: 3,
		RecordsSucceeded: 2,
		RecordsFiltered:  1,
	})

	if got := testutil.ToFloat64(r.runsTotal.WithLabelValues("orders", "completed")); got != 1 {
		t.Errorf("runs_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.runsInFlight); got != 0 {
		t.Errorf("runs_in_flight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(r.recordsTotal.WithLabelValues("orders", "filtered")); got != 1 {
		t.Errorf("records_total{filtered} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.recordsTotal.WithLabelValues("orders", "succeeded")); got != 2 {
		t.Errorf("records_total{succeeded} = %v, want 2", got)
	}
}

func TestStageAndBreakerMetrics(t *testing.T) {
	r := New()
	r.StageFinished("orders", pipeline.StageOutcome{
		Name:         "source",
		Attempts:     3,
		Degraded:     true,
		Fallback:     pipeline.FallbackCachedSnapshot,
		FailureClass: pipeline.FailureDatabaseUnavailable,
		Duration:     time.Second,
	})
	r.BreakerChanged("orders/source", pipeline.BreakerOpen)

	if got := testutil.ToFloat64(r.stageAttempts.WithLabelValues("orders", "source")); got != 3 {
		t.Errorf("stage_attempts_total = %v, want 3", got)
	}
	fallback := r.stageFallbacks.WithLabelValues("orders", "source", "serve_cached_snapshot", "database_unavailable")
	if got := testutil.ToFloat64(fallback); got != 1 {
		t.Errorf("stage_fallbacks_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.breakerState.WithLabelValues("orders/source")); got != 2 {
		t.Errorf("circuit_breaker_state = %v, want 2", got)
	}
}

func TestCheckpoint(t *testing.T) {
	r := New()
	r.Checkpoint("orders", pipeline.QualityReport{Checkpoint: 1, OverallScore: 0.7}, true)

	if got := testutil.ToFloat64(r.qualityScore.WithLabelValues("orders", "1")); got != 0.7 {
		t.Errorf("quality_score = %v, want 0.7", got)
	}
	if got := testutil.ToFloat64(r.qualityGateFail.WithLabelValues("orders")); got != 1 {
		t.Errorf("quality_gate_failures_total = %v, want 1", got)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.RunStarted()
	r.RunFinished(&pipeline.PipelineRun{})
	r.StageFinished("p", pipeline.StageOutcome{})
	r.BreakerChanged("b", pipeline.BreakerOpen)
	r.Checkpoint("p", pipeline.QualityReport{}, false)
	r.NotificationFailed()
}

func TestHandler(t *testing.T) {
	r := New()
	r.NotificationFailed()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "dataflow_notification_failures_total 1") {
		t.Errorf("exposition missing notification counter:\n%s", rec.Body.String())
	}
}
