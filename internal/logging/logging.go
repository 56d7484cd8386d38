// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides leveled key/value logging for the sensor.
// Components obtain a child logger via WithComponent so every line
// carries its origin; the package-level helpers log through a process
// wide default logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config controls logger construction.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "text" or "json"
	Output io.Writer
}

// DefaultConfig returns the standard production configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
		Output: os.Stderr,
	}
}

// Logger wraps slog with the conventions used across the sensor.
type Logger struct {
	sl *slog.Logger
}

// New creates a logger from the given configuration.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}

	return &Logger{sl: slog.New(h)}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(DefaultConfig())
)

// Default returns the process-wide logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// WithComponent returns a child of the default logger tagged with the
// component name.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}

// WithComponent returns a child logger tagged with the component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{sl: l.sl.With("component", name)}
}

// WithError returns a child logger carrying the error as an attribute.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{sl: l.sl.With("error", err.Error())}
}

// With returns a child logger with additional key/value pairs.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{sl: l.sl.With(kv...)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.sl.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.sl.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.sl.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.sl.Error(msg, kv...) }

// Package-level printf-style helpers for call sites that predate the
// structured logger.

func Debug(format string, args ...any) { Default().sl.Debug(sprintf(format, args...)) }
func Info(format string, args ...any)  { Default().sl.Info(sprintf(format, args...)) }
func Warn(format string, args ...any)  { Default().sl.Warn(sprintf(format, args...)) }
func Error(format string, args ...any) { Default().sl.Error(sprintf(format, args...)) }

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
