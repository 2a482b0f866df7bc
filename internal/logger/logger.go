// Package logger is the process-wide leveled logger.
//
// Call sites use the printf-style helpers (Debugf, Warnf, ...). Output goes
// through log/slog: a text handler on the terminal and, when configured, a
// JSON handler on a log file, fanned out with slog-multi.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	slogmulti "github.com/samber/slog-multi"
)

// Level is the verbosity threshold. Lower values are more verbose.
type Level = slog.Level

const (
	// LevelTrace enables per-message protocol and state machine logs.
	LevelTrace Level = slog.LevelDebug - 4
	// LevelDebug enables verbose logs intended for debugging.
	LevelDebug Level = slog.LevelDebug
	// LevelInfo enables informational logs (default).
	LevelInfo Level = slog.LevelInfo
	// LevelWarn enables only warnings and errors.
	LevelWarn Level = slog.LevelWarn
	// LevelError enables only error logs.
	LevelError Level = slog.LevelError
)

var (
	level   = new(slog.LevelVar)
	current atomic.Pointer[slog.Logger]

	fileMu sync.Mutex
	file   *os.File
)

func init() {
	level.Set(LevelInfo)
	current.Store(slog.New(newTextHandler(os.Stderr)))
}

// ParseLevel parses a level name (trace, debug, info, warn, error).
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}

// SetLevel sets the global level threshold.
func SetLevel(l Level) {
	level.Set(l)
}

// Enabled reports whether a level would be emitted.
func Enabled(l Level) bool {
	return l >= level.Level()
}

// SetOutput replaces the terminal writer and drops any file sink.
func SetOutput(w io.Writer) {
	current.Store(slog.New(newTextHandler(w)))
	closeFile()
}

// Configure installs the terminal writer plus an optional JSON log file. An
// empty path means terminal only.
func Configure(w io.Writer, path string) error {
	handlers := []slog.Handler{newTextHandler(w)}

	closeFile()
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		fileMu.Lock()
		file = f
		fileMu.Unlock()
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
	}

	current.Store(slog.New(slogmulti.Fanout(handlers...)))
	return nil
}

// Close flushes and closes the log file, if any.
func Close() {
	closeFile()
}

// With returns a structured logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return current.Load().With(args...)
}

// Tracef logs at TRACE level.
func Tracef(format string, args ...any) { logf(LevelTrace, format, args...) }

// Debugf logs at DEBUG level.
func Debugf(format string, args ...any) { logf(LevelDebug, format, args...) }

// Infof logs at INFO level.
func Infof(format string, args ...any) { logf(LevelInfo, format, args...) }

// Warnf logs at WARN level.
func Warnf(format string, args ...any) { logf(LevelWarn, format, args...) }

// Errorf logs at ERROR level.
func Errorf(format string, args ...any) { logf(LevelError, format, args...) }

func logf(l Level, format string, args ...any) {
	if !Enabled(l) {
		return
	}
	current.Load().Log(context.Background(), l, fmt.Sprintf(format, args...))
}

func newTextHandler(w io.Writer) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	})
}

func closeFile() {
	fileMu.Lock()
	defer fileMu.Unlock()
	if file != nil {
		_ = file.Close()
		file = nil
	}
}
