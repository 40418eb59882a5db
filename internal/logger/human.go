package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
)

// maxInlineAttrs is how many attributes a human line shows before "(+N more)".
const maxInlineAttrs = 6

// HumanHandlerOptions configures the human-readable log handler.
type HumanHandlerOptions struct {
	// Level is the minimum log level to output
	Level slog.Leveler
	// UseColors enables ANSI color codes
	UseColors bool
}

// HumanHandler is a slog handler that writes one readable line per record:
// time, status glyph, message, then key=value pairs.
type HumanHandler struct {
	opts   HumanHandlerOptions
	mu     *sync.Mutex
	writer io.Writer
	attrs  []slog.Attr
	prefix string
}

// NewHumanHandler creates a new human-readable log handler.
func NewHumanHandler(w io.Writer, opts *HumanHandlerOptions) *HumanHandler {
	h := &HumanHandler{writer: w, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}
	if h.opts.Level == nil {
		h.opts.Level = slog.LevelInfo
	}
	return h
}

// Enabled returns true if the handler is enabled for the given level.
func (h *HumanHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.opts.Level.Level()
}

// Handle writes a log record.
func (h *HumanHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Time.Format("15:04:05"))
	sb.WriteByte(' ')
	sb.WriteString(h.glyph(r.Level, r.Message))
	sb.WriteByte(' ')
	sb.WriteString(r.Message)

	pairs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		pairs = append(pairs, h.formatAttr(a))
		return true
	})
	for _, a := range h.attrs {
		pairs = append(pairs, h.formatAttr(a))
	}

	if len(pairs) > 0 {
		shown := pairs
		if len(shown) > maxInlineAttrs {
			shown = shown[:maxInlineAttrs]
		}
		sb.WriteByte(' ')
		sb.WriteString(strings.Join(shown, " "))
		if extra := len(pairs) - len(shown); extra > 0 {
			fmt.Fprintf(&sb, " (+%d more)", extra)
		}
	}
	sb.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, sb.String())
	return err
}

// WithAttrs returns a new handler with the given attributes added.
func (h *HumanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

// WithGroup returns a new handler whose subsequent keys are prefixed by name.
func (h *HumanHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// glyph picks a status prefix: ✓ for completions, ✗ errors, ⚠ warnings, ℹ info.
func (h *HumanHandler) glyph(l slog.Level, message string) string {
	msg := strings.ToLower(message)
	success := strings.Contains(msg, "completed") || strings.Contains(msg, "succeeded")

	var prefix, color string
	switch {
	case l >= slog.LevelError:
		prefix, color = "✗", colorRed
	case l >= slog.LevelWarn:
		prefix, color = "⚠", colorYellow
	case l >= slog.LevelInfo && success:
		prefix, color = "✓", colorGreen
	case l >= slog.LevelInfo:
		prefix, color = "ℹ", colorCyan
	default:
		prefix, color = "·", colorReset
	}

	if h.opts.UseColors {
		return color + prefix + colorReset
	}
	return prefix
}

func (h *HumanHandler) formatAttr(a slog.Attr) string {
	key := h.prefix + a.Key
	switch v := a.Value.Any().(type) {
	case time.Duration:
		return key + "=" + formatDuration(v)
	case float64:
		return fmt.Sprintf("%s=%.2f", key, v)
	default:
		return fmt.Sprintf("%s=%v", key, v)
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.2fs", d.Seconds())
	default:
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
}

// isTerminal returns true if the writer is a character device.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
