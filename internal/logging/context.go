package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	stepKey
	agentIDKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithStep returns a context with the step name set.
func WithStep(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stepKey, name)
}

// WithAgentID returns a context with the agent ID set.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentIDKey, id)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// Step extracts the step name from the context, or "" if absent.
func Step(ctx context.Context) string {
	v, _ := ctx.Value(stepKey).(string)
	return v
}

// AgentID extracts the agent ID from the context, or "" if absent.
func AgentID(ctx context.Context) string {
	v, _ := ctx.Value(agentIDKey).(string)
	return v
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, runID, step, agentID string) context.Context {
	ctx = WithRunID(ctx, runID)
	ctx = WithStep(ctx, step)
	ctx = WithAgentID(ctx, agentID)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if runID := RunID(ctx); runID != "" {
		logger = logger.With(slog.String("run_id", runID))
	}
	if step := Step(ctx); step != "" {
		logger = logger.With(slog.String("step", step))
	}
	if aID := AgentID(ctx); aID != "" {
		logger = logger.With(slog.String("agent_id", aID))
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
	if v := AgentID(ctx); v != "" {
		r.AddAttrs(slog.String("agent_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
