// Package logger provides structured logging for the dataflow engine.
// It wraps the standard log/slog package and adds run-scoped helpers so that
// every line emitted while a pipeline runs carries the same snake_case keys
// (pipeline_id, run_id, stage, ...).
//
// Two output formats are supported:
//   - JSON (default): machine-readable structured logging
//   - Human: console output with colors and status prefixes
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger is the default logger instance.
var Logger *slog.Logger

var (
	mu      sync.Mutex
	level   = new(slog.LevelVar)
	format  = FormatJSON
	output  io.Writer = os.Stdout
	logFile *os.File
)

func init() {
	level.Set(slog.LevelInfo)
	rebuild()
}

// OutputFormat represents the log output format.
type OutputFormat int

const (
	// FormatJSON is the default machine-readable JSON format
	FormatJSON OutputFormat = iota
	// FormatHuman is a human-readable console format with colors and prefixes
	FormatHuman
)

// ParseFormat maps "json" or "human"/"text"/"console" to an OutputFormat.
func ParseFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "human", "text", "console":
		return FormatHuman, nil
	}
	return FormatJSON, fmt.Errorf("unknown log format %q", s)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// SetLevel configures the logging level.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// SetFormat sets the log output format.
func SetFormat(f OutputFormat) {
	mu.Lock()
	defer mu.Unlock()
	format = f
	rebuild()
}

// SetLevelAndFormat sets both the log level and format.
func SetLevelAndFormat(l slog.Level, f OutputFormat) {
	level.Set(l)
	SetFormat(f)
}

// SetOutput redirects console output, mostly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	rebuild()
}

// rebuild must be called with mu held (or from init).
func rebuild() {
	var console slog.Handler
	switch format {
	case FormatHuman:
		console = NewHumanHandler(output, &HumanHandlerOptions{
			Level:     level,
			UseColors: isTerminal(output),
		})
	default:
		console = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})
	}

	if logFile != nil {
		Logger = slog.New(&teeHandler{
			console: console,
			file:    slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: level}),
		})
		return
	}
	Logger = slog.New(console)
}

// Info logs an informational message.
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	Logger.Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	Logger.Error(msg, args...)
}

// WithPipeline returns a logger with pipeline context.
func WithPipeline(pipelineID string) *slog.Logger {
	return Logger.With("pipeline_id", pipelineID)
}

// =============================================================================
// Run Context
// =============================================================================

// RunContext identifies the run (and optionally the stage) a log line belongs to.
type RunContext struct {
	PipelineID   string
	PipelineName string
	RunID        string
	// Stage is the stage name (source, destination, or a transformation name)
	Stage string
	// StageType is the transformation type or adapter type
	StageType string
	// StageOrder is the transformation order; negative means not applicable
	StageOrder int
	DryRun     bool
}

// ForStage returns a copy of rc scoped to a stage.
func (rc RunContext) ForStage(name, stageType string, order int) RunContext {
	rc.Stage = name
	rc.StageType = stageType
	rc.StageOrder = order
	return rc
}

// RunCounts holds the record tallies of a run.
type RunCounts struct {
	Processed int
	Succeeded int
	Failed    int
	Filtered  int
}

// StageResult describes how a stage ended, for LogStageEnd.
type StageResult struct {
	RecordsIn    int
	RecordsOut   int
	RecordErrors int
	Attempts     int
	Degraded     bool
	Fallback     string
	FailureClass string
	Duration     time.Duration
	Err          error
}

// ErrorContext contains structured context for error logging.
type ErrorContext struct {
	RunContext

	ErrorCode string
	Err       error

	RecordIndex int
	Duration    time.Duration
	Extra       map[string]interface{}
}

// With returns a logger carrying the run context attributes.
func With(rc RunContext) *slog.Logger {
	return Logger.With(rc.attrs()...)
}

func (rc RunContext) attrs() []any {
	attrs := make([]any, 0, 8)
	attrs = append(attrs, slog.String("pipeline_id", rc.PipelineID))
	if rc.RunID != "" {
		attrs = append(attrs, slog.String("run_id", rc.RunID))
	}
	if rc.PipelineName != "" {
		attrs = append(attrs, slog.String("pipeline_name", rc.PipelineName))
	}
	if rc.Stage != "" {
		attrs = append(attrs, slog.String("stage", rc.Stage))
	}
	if rc.StageType != "" {
		attrs = append(attrs, slog.String("stage_type", rc.StageType))
	}
	if rc.Stage != "" && rc.StageOrder >= 0 {
		attrs = append(attrs, slog.Int("stage_order", rc.StageOrder))
	}
	if rc.DryRun {
		attrs = append(attrs, slog.Bool("dry_run", true))
	}
	return attrs
}

// LogRunStart logs the start of a run.
func LogRunStart(rc RunContext) {
	Logger.Info("run started", rc.attrs()...)
}

// LogRunEnd logs the terminal status of a run.
func LogRunEnd(rc RunContext, status string, counts RunCounts, degraded bool, duration time.Duration) {
	attrs := rc.attrs()
	attrs = append(attrs,
		slog.String("status", status),
		slog.Int("records_processed", counts.Processed),
		slog.Int("records_succeeded", counts.Succeeded),
		slog.Int("records_failed", counts.Failed),
		slog.Int("records_filtered", counts.Filtered),
		slog.Duration("duration", duration),
	)
	if degraded {
		attrs = append(attrs, slog.Bool("degraded", true))
	}
	if status == "completed" {
		Logger.Info("run completed", attrs...)
		return
	}
	Logger.Warn("run ended", attrs...)
}

// LogStageStart logs the start of a stage.
func LogStageStart(rc RunContext, recordsIn int) {
	attrs := append(rc.attrs(), slog.Int("records_in", recordsIn))
	Logger.Debug("stage started", attrs...)
}

// LogStageEnd logs the outcome of a stage. Degraded stages log at warn
// level, failed ones at error level.
func LogStageEnd(rc RunContext, res StageResult) {
	attrs := rc.attrs()
	attrs = append(attrs,
		slog.Int("records_in", res.RecordsIn),
		slog.Int("records_out", res.RecordsOut),
		slog.Int("attempts", res.Attempts),
		slog.Duration("duration", res.Duration),
	)
	if res.RecordErrors > 0 {
		attrs = append(attrs, slog.Int("record_errors", res.RecordErrors))
	}
	if res.FailureClass != "" {
		attrs = append(attrs, slog.String("failure_class", res.FailureClass))
	}

	switch {
	case res.Err != nil:
		attrs = append(attrs, slog.String("error", res.Err.Error()))
		Logger.Error("stage failed", attrs...)
	case res.Degraded:
		attrs = append(attrs, slog.String("fallback", res.Fallback))
		Logger.Warn("stage degraded", attrs...)
	default:
		Logger.Info("stage completed", attrs...)
	}
}

// LogCheckpoint logs a quality checkpoint evaluation.
func LogCheckpoint(rc RunContext, index int, score, threshold float64, issues int) {
	attrs := rc.attrs()
	attrs = append(attrs,
		slog.Int("checkpoint", index),
		slog.Float64("overall_score", score),
		slog.Int("issues", issues),
	)
	if threshold > 0 {
		attrs = append(attrs, slog.Float64("hard_threshold", threshold))
	}
	if threshold > 0 && score < threshold {
		Logger.Error("quality gate failed", attrs...)
		return
	}
	Logger.Info("checkpoint evaluated", attrs...)
}

// LogBreakerTransition logs a circuit breaker state change.
func LogBreakerTransition(name, from, to string, consecutiveFailures int) {
	Logger.Warn("circuit breaker state changed",
		slog.String("breaker", name),
		slog.String("from", from),
		slog.String("to", to),
		slog.Int("consecutive_failures", consecutiveFailures),
	)
}

// LogError logs an error with full run context and the unwrapped error chain.
func LogError(message string, errCtx ErrorContext) {
	attrs := errCtx.RunContext.attrs()

	if errCtx.ErrorCode != "" {
		attrs = append(attrs, slog.String("error_code", errCtx.ErrorCode))
	}
	if errCtx.Err != nil {
		attrs = append(attrs,
			slog.String("error", errCtx.Err.Error()),
			slog.String("error_type", fmt.Sprintf("%T", errCtx.Err)),
		)
		chain := []string{errCtx.Err.Error()}
		for cur := errors.Unwrap(errCtx.Err); cur != nil; cur = errors.Unwrap(cur) {
			chain = append(chain, cur.Error())
		}
		if len(chain) > 1 {
			attrs = append(attrs, slog.String("error_chain", strings.Join(chain, " -> ")))
		}
	}
	if errCtx.RecordIndex >= 0 {
		attrs = append(attrs, slog.Int("record_index", errCtx.RecordIndex))
	}
	if errCtx.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", errCtx.Duration))
	}
	for k, v := range errCtx.Extra {
		attrs = append(attrs, slog.Any(k, v))
	}

	Logger.Error(message, attrs...)
}
