package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Setup initializes the global logger.
// logic: default to INFO. If level is invalid, fallback to INFO.
func Setup(level string) {
	once.Do(func() {
		logger = newJSONLogger(os.Stdout, parseLevel(level))
		slog.SetDefault(logger)
	})
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newJSONLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithTestBox returns a logger with the testbox_id field set.
func WithTestBox(id string) *slog.Logger {
	return Get().With(slog.String("testbox_id", id))
}

// WithTask returns a logger with the task_id field set.
func WithTask(id string) *slog.Logger {
	return Get().With(slog.String("task_id", id))
}

// DiagnosticChannel is the operator-readable log of internal faults and stale
// reports. It is kept apart from the service log so it can be tailed on its own.
type DiagnosticChannel struct {
	*slog.Logger
	closer io.Closer
}

// Close releases the underlying file, if any.
func (d *DiagnosticChannel) Close() error {
	if d == nil || d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

// OpenDiagnostic opens the diagnostic channel at path in append mode. An empty
// path writes to stderr.
func OpenDiagnostic(path string) (*DiagnosticChannel, error) {
	if path == "" {
		return NewDiagnostic(os.Stderr), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create diagnostic log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open diagnostic log: %w", err)
	}
	d := NewDiagnostic(f)
	d.closer = f
	return d, nil
}

// NewDiagnostic builds a diagnostic channel on top of an arbitrary writer.
func NewDiagnostic(w io.Writer) *DiagnosticChannel {
	l := newJSONLogger(w, slog.LevelDebug).With(slog.String("channel", "diagnostic"))
	return &DiagnosticChannel{Logger: l}
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
