package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// maxLogFileSize is the size at which an existing log file is rotated (10MB).
const maxLogFileSize = 10 * 1024 * 1024

// SetLogFile additionally writes JSON logs to path. An existing file larger
// than 10MB is renamed with a timestamp suffix first.
func SetLogFile(path string) error {
	mu.Lock()
	defer mu.Unlock()

	closeLogFileLocked()

	if info, err := os.Stat(path); err == nil && info.Size() >= maxLogFileSize {
		rotated := fmt.Sprintf("%s.%s", path, time.Now().Format("20060102-150405"))
		if err := os.Rename(path, rotated); err != nil {
			return fmt.Errorf("rotating log file: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	logFile = f
	rebuild()
	return nil
}

// CloseLogFile closes the current log file if one is open.
func CloseLogFile() {
	mu.Lock()
	defer mu.Unlock()
	closeLogFileLocked()
	rebuild()
}

func closeLogFileLocked() {
	if logFile == nil {
		return
	}
	_ = logFile.Sync()
	_ = logFile.Close()
	logFile = nil
}

// teeHandler writes every record to the console and the log file.
type teeHandler struct {
	console slog.Handler
	file    slog.Handler
}

func (t *teeHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return t.console.Enabled(ctx, l) || t.file.Enabled(ctx, l)
}

func (t *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	if t.console.Enabled(ctx, r.Level) {
		if err := t.console.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	if t.file.Enabled(ctx, r.Level) {
		return t.file.Handle(ctx, r)
	}
	return nil
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{console: t.console.WithAttrs(attrs), file: t.file.WithAttrs(attrs)}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{console: t.console.WithGroup(name), file: t.file.WithGroup(name)}
}
