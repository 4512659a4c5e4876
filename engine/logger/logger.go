// Package logger holds the process-wide structured logger shared by every engine package.
// Library code is silent until a binary installs a logger with SetLogger.
package logger

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
)

type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(slog.New(nopHandler{}))
}

// SetLogger installs the logger used by all engine packages. Passing nil restores silent logging.
// Safe for concurrent use with logging from the loader and integration goroutines.
//
// Levels used:
//   - slog.LevelDebug: per-slice and per-batch events
//   - slog.LevelInfo: dataset and integration lifecycle
//   - slog.LevelWarn: recoverable conditions (fence polls nearing their cap)
//   - slog.LevelError: terminal load or integration failures
//
// Parameters:
//   - l: the logger to install, or nil
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	loggerPtr.Store(l)
}

// Logger returns the currently installed logger.
//
// Returns:
//   - *slog.Logger: the active logger, never nil
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// ParseLevel maps a config level name ("debug", "info", "warn", "error") to a slog.Level.
// Unknown names map to info.
//
// Parameters:
//   - name: the level name, case-insensitive
//
// Returns:
//   - slog.Level: the parsed level
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
