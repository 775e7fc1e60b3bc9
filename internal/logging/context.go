package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	stepKey
	toolCallKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithStep returns a context with the step title set.
func WithStep(ctx context.Context, title string) context.Context {
	return context.WithValue(ctx, stepKey, title)
}

// WithToolCall returns a context with the agent tool-call ID set.
func WithToolCall(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolCallKey, id)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// Step extracts the step title from the context, or "" if absent.
func Step(ctx context.Context) string {
	v, _ := ctx.Value(stepKey).(string)
	return v
}

// ToolCall extracts the tool-call ID from the context, or "" if absent.
func ToolCall(ctx context.Context) string {
	v, _ := ctx.Value(toolCallKey).(string)
	return v
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, runID, step, toolCall string) context.Context {
	ctx = WithRunID(ctx, runID)
	ctx = WithStep(ctx, step)
	ctx = WithToolCall(ctx, toolCall)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := RunID(ctx); id != "" {
		logger = logger.With(slog.String("run_id", id))
	}
	if s := Step(ctx); s != "" {
		logger = logger.With(slog.String("step", s))
	}
	if tc := ToolCall(ctx); tc != "" {
		logger = logger.With(slog.String("tool_call_id", tc))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := Step(ctx); v != "" {
		r.AddAttrs(slog.String("step", v))
	}
	if v := ToolCall(ctx); v != "" {
		r.AddAttrs(slog.String("tool_call_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
