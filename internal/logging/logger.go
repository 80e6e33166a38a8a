package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New creates a new structured logger with text output.
// app: application name (e.g., "relay")
// level: one of "debug", "info", "warn", "error" (default: "info")
func New(app string, level string) *slog.Logger {
	return newLogger(app, slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

// NewWithFile is like New but also writes JSON records to a size-rotated file.
// An empty path behaves like New.
func NewWithFile(app string, level string, path string) *slog.Logger {
	if path == "" {
		return New(app, level)
	}
	rotator := rotatorFor(path)
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	return newLogger(app, fanout{
		slog.NewTextHandler(os.Stdout, opts),
		slog.NewJSONHandler(rotator, opts),
	})
}

var (
	rotatorsMu sync.Mutex
	rotators   = map[string]*lumberjack.Logger{}
)

// rotatorFor returns the process-wide rotator for path. lumberjack does not
// support two Loggers on one file.
func rotatorFor(path string) *lumberjack.Logger {
	key := path
	if abs, err := filepath.Abs(path); err == nil {
		key = abs
	}
	rotatorsMu.Lock()
	defer rotatorsMu.Unlock()
	if r, ok := rotators[key]; ok {
		return r
	}
	r := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 3,
		Compress:   false,
	}
	rotators[key] = r
	return r
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLogger(app string, handler slog.Handler) *slog.Logger {
	// Add default attributes: app and pid
	return slog.New(handler).With(
		slog.String("app", app),
		slog.Int("pid", os.Getpid()),
	)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}
