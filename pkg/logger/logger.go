// Package logger provides structured logging built on log/slog.
//
// Init() configures the default logger (JSON in production, tinted text in
// development). FromContext() gives context-aware logging; the package-level
// helpers are convenience wrappers around the default logger.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

var defaultLogger = newLogger(false)

func newLogger(development bool) *slog.Logger {
	if development {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: "15:04:05.000",
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// Init initializes the default logger. env: "development"/"dev" selects the
// tinted console handler; anything else (including "") selects JSON.
func Init(env string) {
	dev := env == "development" || env == "dev"
	defaultLogger = newLogger(dev)
	slog.SetDefault(defaultLogger)
}

// ========================================
// Context-aware logging
// ========================================

type ctxKey struct{}

// WithContext attaches a logger to ctx.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext extracts a logger from ctx, falling back to the default logger.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// ========================================
// Package-level convenience methods
// ========================================

func Info(msg string, args ...any)  { defaultLogger.Info(msg, args...) }
func Error(msg string, args ...any) { defaultLogger.Error(msg, args...) }
func Warn(msg string, args ...any)  { defaultLogger.Warn(msg, args...) }
func Debug(msg string, args ...any) { defaultLogger.Debug(msg, args...) }

func Infof(format string, args ...any)  { defaultLogger.Info(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { defaultLogger.Error(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { defaultLogger.Warn(fmt.Sprintf(format, args...)) }
func Debugf(format string, args ...any) { defaultLogger.Debug(fmt.Sprintf(format, args...)) }

// Fatal logs a message at error level and terminates the process.
func Fatal(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
	os.Exit(1)
}

// With returns a logger carrying the given attributes.
func With(args ...any) *slog.Logger { return defaultLogger.With(args...) }

// Get returns the underlying default slog.Logger.
func Get() *slog.Logger { return defaultLogger }

// Attr aliases slog.Attr so callers don't need to import log/slog directly.
type Attr = slog.Attr

// Any builds an attribute of any type.
func Any(key string, value any) Attr { return slog.Any(key, value) }

// Reserved structured-log field keys — use these constants, never hardcode.
const (
	FieldTraceID    = "trace_id"
	FieldAgentID    = "agent_id"
	FieldSessionID  = "session_id"
	FieldChannel    = "channel"
	FieldTier       = "tier"
	FieldTaskID     = "task_id"
	FieldGoalID     = "goal_id"
	FieldGeneration = "generation"
	FieldAction     = "action"
	FieldComponent  = "component"
	FieldModule     = "module"
	FieldError      = "error"
	FieldStatus     = "status"
	FieldLatencyMS  = "latency_ms"
	FieldCount      = "count"
	FieldPath       = "path"
	FieldMethod     = "method"
	FieldTable      = "table"
)

// ========================================
// MultiHandler — fan out to several slog.Handler
// ========================================

// MultiHandler dispatches every record to all wrapped handlers.
type MultiHandler struct {
	handlers []slog.Handler
}

// NewMultiHandler creates a fan-out handler.
func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			_ = h.Handle(ctx, r.Clone())
		}
	}
	return nil
}

func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: handlers}
}

func (m *MultiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: handlers}
}
