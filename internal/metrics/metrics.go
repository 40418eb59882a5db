// Package metrics exposes Prometheus metrics for runs, stages, circuit
// breakers and quality checkpoints.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canectors/dataflow/pkg/pipeline"
)

const namespace = "dataflow"

// Recorder holds the engine's metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	runsInFlight    prometheus.Gauge
	recordsTotal    *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	stageFallbacks  *prometheus.CounterVec
	stageAttempts   *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	qualityScore    *prometheus.GaugeVec
	qualityGateFail *prometheus.CounterVec
	notifyFailures  prometheus.Counter
}

// New creates a Recorder. Go runtime and process collectors are included.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Pipeline runs by terminal status",
			},
			[]string{"pipeline", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Run duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"pipeline"},
		),
		runsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_in_flight",
				Help:      "Runs currently executing",
			},
		),
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_total",
				Help:      "Records by outcome (processed, succeeded, failed, filtered)",
			},
			[]string{"pipeline", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Stage duration in seconds, retries and fallback included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pipeline", "stage"},
		),
		stageFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_fallbacks_total",
				Help:      "Fallbacks taken by strategy and failure class",
			},
			[]string{"pipeline", "stage", "strategy", "class"},
		),
		stageAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_attempts_total",
				Help:      "Invocations of stage functions, retries included",
			},
			[]string{"pipeline", "stage"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 half open, 2 open)",
			},
			[]string{"breaker"},
		),
		qualityScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quality_score",
				Help:      "Overall score of the last checkpoint evaluation",
			},
			[]string{"pipeline", "checkpoint"},
		),
		qualityGateFail: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quality_gate_failures_total",
				Help:      "Runs stopped by a quality gate",
			},
			[]string{"pipeline"},
		),
		notifyFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notification_failures_total",
				Help:      "Notifier calls that returned an error or panicked",
			},
		),
	}

	r.registry.MustRegister(
		r.runsTotal, r.runDuration, r.runsInFlight, r.recordsTotal,
		r.stageDuration, r.stageFallbacks, r.stageAttempts,
		r.breakerState, r.qualityScore, r.qualityGateFail, r.notifyFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the registry backing the recorder.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RunStarted marks a run as in flight.
func (r *Recorder) RunStarted() {
	if r == nil {
		return
	}
	r.runsInFlight.Inc()
}

// RunFinished records a terminal run.
func (r *Recorder) RunFinished(run *pipeline.PipelineRun) {
	if r == nil || run == nil {
		return
	}
	r.runsInFlight.Dec()
	r.runsTotal.WithLabelValues(run.PipelineID, string(run.Status)).Inc()
	if run.CompletedAt != nil {
		r.runDuration.WithLabelValues(run.PipelineID).Observe(run.CompletedAt.Sub(run.StartedAt).Seconds())
	}
	r.recordsTotal.WithLabelValues(run.PipelineID, "processed").Add(float64(run.RecordsProcessed))
	r.recordsTotal.WithLabelValues(run.PipelineID, "succeeded").Add(float64(run.RecordsSucceeded))
	r.recordsTotal.WithLabelValues(run.PipelineID, "failed").Add(float64(run.RecordsFailed))
	r.recordsTotal.WithLabelValues(run.PipelineID, "filtered").Add(float64(run.RecordsFiltered))
}

// StageFinished records one stage outcome.
func (r *Recorder) StageFinished(pipelineID string, stage pipeline.StageOutcome) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(pipelineID, stage.Name).Observe(stage.Duration.Seconds())
	r.stageAttempts.WithLabelValues(pipelineID, stage.Name).Add(float64(stage.Attempts))
	if stage.Fallback != "" {
		r.stageFallbacks.WithLabelValues(pipelineID, stage.Name, string(stage.Fallback), string(stage.FailureClass)).Inc()
	}
}

// BreakerChanged records a breaker transition.
func (r *Recorder) BreakerChanged(name string, to pipeline.BreakerState) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(name).Set(breakerValue(to))
}

func breakerValue(s pipeline.BreakerState) float64 {
	switch s {
	case pipeline.BreakerHalfOpen:
		return 1
	case pipeline.BreakerOpen:
		return 2
	}
	return 0
}

// Checkpoint records a checkpoint evaluation.
func (r *Recorder) Checkpoint(pipelineID string, report pipeline.QualityReport, gateFailed bool) {
	if r == nil {
		return
	}
	r.qualityScore.WithLabelValues(pipelineID, strconv.Itoa(report.Checkpoint)).Set(report.OverallScore)
	if gateFailed {
		r.qualityGateFail.WithLabelValues(pipelineID).Inc()
	}
}

// NotificationFailed counts a failed notifier call.
func (r *Recorder) NotificationFailed() {
	if r == nil {
		return
	}
	r.notifyFailures.Inc()
}
