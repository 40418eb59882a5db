package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canectors/dataflow/internal/metrics"
	"github.com/canectors/dataflow/internal/modules/input"
	"github.com/canectors/dataflow/internal/modules/output"
	"github.com/canectors/dataflow/internal/runtime"
	"github.com/canectors/dataflow/pkg/pipeline"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func orders(id string, dest pipeline.DataDestination) *pipeline.PipelineConfig {
	return &pipeline.PipelineConfig{
		ID:   id,
		Name: "Orders " + id,
		Source: pipeline.DataSource{Type: input.TypeInline, Config: map[string]interface{}{
			"records": []interface{}{
				map[string]interface{}{"id": 1, "email": "a@example.com"},
				map[string]interface{}{"id": 2, "email": "b@example.com"},
				map[string]interface{}{"id": 3, "email": nil},
			},
		}},
		Transformations: []pipeline.Transformation{
			{Type: pipeline.TransformFilter, Order: 1, Config: map[string]interface{}{"expression": "id > 1"}},
		},
		Rules: []pipeline.QualityRule{
			{Name: "email-present", Type: pipeline.RuleCompleteness, Condition: pipeline.RuleCondition{Field: "email"}, Threshold: 1, Severity: pipeline.SeverityHigh},
		},
		Checkpoints: []pipeline.Checkpoint{{Index: 0}},
		Destination: dest,
		Schedule:    "*/5 * * * *",
	}
}

func newTestServer(t *testing.T) (*Server, *runtime.Engine) {
	t.Helper()
	engine := runtime.New()
	t.Cleanup(engine.Wait)

	memory := pipeline.DataDestination{Type: output.TypeMemory, Config: map[string]interface{}{"name": "api-" + t.Name()}}
	require.NoError(t, engine.Register(orders("orders", memory)))
	require.NoError(t, engine.Register(orders("console-orders", pipeline.DataDestination{Type: output.TypeConsole})))

	return New(engine, metrics.New()), engine
}

func do(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func startRun(t *testing.T, s *Server, pipelineID string) pipeline.PipelineRun {
	t.Helper()
	w := do(s, http.MethodPost, "/pipelines/"+pipelineID+"/runs")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[pipeline.PipelineRun](t, w)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]interface{}](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 2, body["pipelines"])
}

func TestListPipelines(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/pipelines")

	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Pipelines []PipelineSummary `json:"pipelines"`
		Count     int               `json:"count"`
	}](t, w)
	require.Equal(t, 2, body.Count)
	assert.Equal(t, "console-orders", body.Pipelines[0].ID)
	assert.Equal(t, "orders", body.Pipelines[1].ID)
	assert.Equal(t, output.TypeMemory, body.Pipelines[1].DestinationType)
	assert.Equal(t, 1, body.Pipelines[1].Stages)
	assert.Equal(t, "*/5 * * * *", body.Pipelines[1].Schedule)
}

func TestStartRun(t *testing.T) {
	s, _ := newTestServer(t)

	run := startRun(t, s, "orders")

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, pipeline.RunCompleted, run.Status)
	assert.Equal(t, 3, run.RecordsProcessed)
	assert.Equal(t, 2, run.RecordsSucceeded)
	assert.Equal(t, 1, run.RecordsFiltered)
	assert.Len(t, output.Store("api-"+t.Name()).Run(run.ID), 2)
}

func TestStartRunUnknownPipeline(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodPost, "/pipelines/missing/runs")

	assert.Equal(t, http.StatusNotFound, w.Code)
	apiErr := decode[APIError](t, w)
	assert.Equal(t, CodeNotFound, apiErr.Code)
	assert.Contains(t, apiErr.Message, "missing")
}

func TestGetRun(t *testing.T) {
	s, _ := newTestServer(t)
	run := startRun(t, s, "orders")

	w := do(s, http.MethodGet, "/runs/"+run.ID)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[pipeline.PipelineRun](t, w)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, run.Status, got.Status)

	w = do(s, http.MethodGet, "/runs/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRuns(t *testing.T) {
	s, _ := newTestServer(t)
	startRun(t, s, "orders")
	startRun(t, s, "orders")
	startRun(t, s, "console-orders")

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantCount int
	}{
		{"all", "", http.StatusOK, 3},
		{"by pipeline", "?pipeline=orders", http.StatusOK, 2},
		{"by status", "?status=completed", http.StatusOK, 3},
		{"no match", "?status=failed", http.StatusOK, 0},
		{"limit", "?limit=1", http.StatusOK, 1},
		{"bad status", "?status=done", http.StatusBadRequest, 0},
		{"bad limit", "?limit=abc", http.StatusBadRequest, 0},
		{"zero limit", "?limit=0", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(s, http.MethodGet, "/runs"+tt.query)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantCode != http.StatusOK {
				assert.Equal(t, CodeInvalidRequest, decode[APIError](t, w).Code)
				return
			}
			list := decode[RunList](t, w)
			assert.Equal(t, tt.wantCount, list.Count)
			assert.Len(t, list.Runs, tt.wantCount)
		})
	}
}

func TestGetReports(t *testing.T) {
	s, _ := newTestServer(t)
	run := startRun(t, s, "orders")

	w := do(s, http.MethodGet, "/runs/"+run.ID+"/reports")

	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		RunID   string                   `json:"runId"`
		Reports []pipeline.QualityReport `json:"reports"`
		Score   *float64                 `json:"score"`
	}](t, w)
	assert.Equal(t, run.ID, body.RunID)
	require.Len(t, body.Reports, 1)
	assert.Equal(t, 0, body.Reports[0].Checkpoint)
	assert.Equal(t, 2, body.Reports[0].RecordCount)
	require.NotNil(t, body.Score)
	assert.InDelta(t, 0.5, *body.Score, 1e-9, "one of two records has no email")
}

func TestRollback(t *testing.T) {
	s, _ := newTestServer(t)
	run := startRun(t, s, "orders")

	w := do(s, http.MethodPost, "/runs/"+run.ID+"/rollback")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[pipeline.PipelineRun](t, w)
	assert.Equal(t, pipeline.RunRolledBack, got.Status)
	assert.Empty(t, output.Store("api-"+t.Name()).Run(run.ID))

	w = do(s, http.MethodPost, "/runs/"+run.ID+"/rollback")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeConflict, decode[APIError](t, w).Code)
}

func TestRollbackNotRevertible(t *testing.T) {
	s, _ := newTestServer(t)
	run := startRun(t, s, "console-orders")

	w := do(s, http.MethodPost, "/runs/"+run.ID+"/rollback")

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, CodeNotRevertible, decode[APIError](t, w).Code)
}

func TestBreakers(t *testing.T) {
	s, _ := newTestServer(t)
	startRun(t, s, "orders")

	w := do(s, http.MethodGet, "/breakers")

	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Breakers map[string]pipeline.CircuitBreakerState `json:"breakers"`
	}](t, w)
	state, ok := body.Breakers["orders/source"]
	require.True(t, ok, "breakers = %v", body.Breakers)
	assert.Equal(t, pipeline.BreakerClosed, state.State)
}

func TestMetricsEndpoint(t *testing.T) {
	engine := runtime.New()
	recorder := metrics.New()
	s := New(engine, recorder)

	recorder.RunStarted()
	w := do(s, http.MethodGet, "/metrics")

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "dataflow_runs_in_flight"), w.Body.String())

	w = do(New(engine, nil), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	s := New(runtime.New(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0", time.Second) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
