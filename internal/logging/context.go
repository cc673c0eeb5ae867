package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	subscriptionIDKey ctxKey = iota
	scopeKey
	loadingKeyKey
)

// WithSubscriptionID returns a context with the stream subscription ID set.
func WithSubscriptionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, subscriptionIDKey, id)
}

// WithScope returns a context with the stream scope (e.g. "run:42") set.
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey, scope)
}

// WithLoadingKey returns a context with the loading registry key set.
func WithLoadingKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, loadingKeyKey, key)
}

// SubscriptionID extracts the subscription ID from the context, or "" if absent.
func SubscriptionID(ctx context.Context) string {
	v, _ := ctx.Value(subscriptionIDKey).(string)
	return v
}

// Scope extracts the stream scope from the context, or "" if absent.
func Scope(ctx context.Context) string {
	v, _ := ctx.Value(scopeKey).(string)
	return v
}

// LoadingKey extracts the loading key from the context, or "" if absent.
func LoadingKey(ctx context.Context) string {
	v, _ := ctx.Value(loadingKeyKey).(string)
	return v
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if v := SubscriptionID(ctx); v != "" {
		logger = logger.With(slog.String("subscription_id", v))
	}
	if v := Scope(ctx); v != "" {
		logger = logger.With(slog.String("scope", v))
	}
	if v := LoadingKey(ctx); v != "" {
		logger = logger.With(slog.String("loading_key", v))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
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
	if v := SubscriptionID(ctx); v != "" {
		r.AddAttrs(slog.String("subscription_id", v))
	}
	if v := Scope(ctx); v != "" {
		r.AddAttrs(slog.String("scope", v))
	}
	if v := LoadingKey(ctx); v != "" {
		r.AddAttrs(slog.String("loading_key", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a config string to an slog level. Unknown values fall
// back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// New builds the standard text logger wrapped in a CorrelationHandler.
func New(w io.Writer, level string) *slog.Logger {
	inner := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(NewCorrelationHandler(inner))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
