// Package logger provides structured logging for PageFlow services.
//
// It wraps Go's standard log/slog with:
//   - a global DefaultLogger configured from LOG_LEVEL / LOG_FORMAT
//   - component-scoped child loggers for services and subsystems
//   - level helpers mirroring the slog API
//
// All exported functions use the global DefaultLogger, which is safe for
// concurrent use.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// DefaultLogger is the global structured logger instance.
// It is safe for concurrent use and initialized at info level by default.
var DefaultLogger *slog.Logger

func init() {
	DefaultLogger = newFromEnv()
	slog.SetDefault(DefaultLogger)
}

func newFromEnv() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// SetLevel changes the logging level for all subsequent log operations.
// This is safe for concurrent use as it replaces the entire logger instance.
func SetLevel(level slog.Level) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	DefaultLogger = slog.New(handler)
	slog.SetDefault(DefaultLogger)
}

// Component returns a child logger scoped to a named component
// (e.g. "worker-engine", "sse-bridge", "collab-hub").
func Component(name string) *slog.Logger {
	return DefaultLogger.With("component", name)
}

// Info logs an informational message with structured key-value attributes.
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// Warn logs a warning with structured key-value attributes.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// Error logs an error with structured key-value attributes.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// Debug logs a debug message with structured key-value attributes.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// InfoContext logs an informational message with context and attributes.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

// ErrorContext logs an error with context and attributes.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}
