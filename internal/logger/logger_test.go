package logger_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/canectors/dataflow/internal/logger"
)

// capture redirects logger output to a buffer for the duration of the test.
func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetLevel(slog.LevelDebug)
	t.Cleanup(func() {
		logger.SetOutput(os.Stdout)
		logger.SetFormat(logger.FormatJSON)
		logger.SetLevel(slog.LevelInfo)
	})
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestLoggerInitialization(t *testing.T) {
	if logger.Logger == nil {
		t.Fatal("Logger should be initialized on package load")
	}
}

func TestParseLevelAndFormat(t *testing.T) {
	if l, err := logger.ParseLevel("debug"); err != nil || l != slog.LevelDebug {
		t.Errorf("ParseLevel(debug) = %v, %v", l, err)
	}
	if _, err := logger.ParseLevel("loud"); err == nil {
		t.Error("ParseLevel should reject unknown levels")
	}
	if f, err := logger.ParseFormat("human"); err != nil || f != logger.FormatHuman {
		t.Errorf("ParseFormat(human) = %v, %v", f, err)
	}
	if _, err := logger.ParseFormat("xml"); err == nil {
		t.Error("ParseFormat should reject unknown formats")
	}
}

func TestLogRunLifecycle(t *testing.T) {
	buf := capture(t)
	rc := logger.RunContext{PipelineID: "orders", RunID: "run-1", StageOrder: -1}

	logger.LogRunStart(rc)
	logger.LogRunEnd(rc, "completed", logger.RunCounts{Processed: 3, Succeeded: 2, Filtered: 1}, false, time.Second)

	entries := decodeLines(t, buf)
	if len(entries) != 2 {
		t.Fatalf("got %d log lines, want 2", len(entries))
	}
	if entries[0]["msg"] != "run started" || entries[0]["run_id"] != "run-1" {
		t.Errorf("unexpected start entry: %v", entries[0])
	}
	end := entries[1]
	if end["status"] != "completed" {
		t.Errorf("status = %v", end["status"])
	}
	if end["records_filtered"] != float64(1) {
		t.Errorf("records_filtered = %v, want 1", end["records_filtered"])
	}
	if _, ok := end["stage"]; ok {
		t.Error("run-level entries must not carry a stage key")
	}
}

func TestLogStageEndLevels(t *testing.T) {
	buf := capture(t)
	rc := logger.RunContext{PipelineID: "orders", RunID: "run-1"}.ForStage("filter-1", "filter", 1)

	logger.LogStageEnd(rc, logger.StageResult{RecordsIn: 3, RecordsOut: 2, Attempts: 1})
	logger.LogStageEnd(rc, logger.StageResult{Degraded: true, Fallback: "serve_cached_snapshot", FailureClass: "database_unavailable"})
	logger.LogStageEnd(rc, logger.StageResult{Err: errors.New("boom")})

	entries := decodeLines(t, buf)
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	wantLevels := []string{"INFO", "WARN", "ERROR"}
	for i, want := range wantLevels {
		if entries[i]["level"] != want {
			t.Errorf("entry %d level = %v, want %s", i, entries[i]["level"], want)
		}
		if entries[i]["stage"] != "filter-1" || entries[i]["stage_order"] != float64(1) {
			t.Errorf("entry %d missing stage context: %v", i, entries[i])
		}
	}
	if entries[1]["fallback"] != "serve_cached_snapshot" {
		t.Errorf("fallback = %v", entries[1]["fallback"])
	}
}

func TestLogCheckpointGateFailure(t *testing.T) {
	buf := capture(t)
	rc := logger.RunContext{PipelineID: "orders", RunID: "run-1"}

	logger.LogCheckpoint(rc, 0, 0.7, 0.9, 2)
	entries := decodeLines(t, buf)
	if len(entries) != 1 || entries[0]["msg"] != "quality gate failed" || entries[0]["level"] != "ERROR" {
		t.Errorf("unexpected entries: %v", entries)
	}
}

func TestLogErrorChain(t *testing.T) {
	buf := capture(t)
	root := errors.New("connection refused")
	err := fmt.Errorf("reading source: %w", root)

	logger.LogError("stage failed", logger.ErrorContext{
		RunContext:  logger.RunContext{PipelineID: "orders"},
		ErrorCode:   "STAGE_FAILED",
		Err:         err,
		RecordIndex: -1,
	})

	entries := decodeLines(t, buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	chain, _ := entries[0]["error_chain"].(string)
	if !strings.Contains(chain, "connection refused") {
		t.Errorf("error_chain = %q", chain)
	}
	if _, ok := entries[0]["record_index"]; ok {
		t.Error("negative record index should be omitted")
	}
}

func TestHumanFormat(t *testing.T) {
	buf := capture(t)
	logger.SetFormat(logger.FormatHuman)

	logger.Info("stage completed", "records_out", 2, "duration", 1500*time.Millisecond)
	line := buf.String()
	if !strings.Contains(line, "✓ stage completed") {
		t.Errorf("missing success glyph: %q", line)
	}
	if !strings.Contains(line, "duration=1.50s") {
		t.Errorf("duration not humanised: %q", line)
	}
}

func TestSetLogFile(t *testing.T) {
	capture(t)
	path := filepath.Join(t.TempDir(), "dataflow.log")
	if err := logger.SetLogFile(path); err != nil {
		t.Fatalf("SetLogFile() error = %v", err)
	}
	logger.Info("written to file", "k", "v")
	logger.CloseLogFile()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"written to file"`) {
		t.Errorf("log file content = %q", data)
	}
}
