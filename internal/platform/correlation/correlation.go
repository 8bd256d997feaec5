// Package correlation tags every log line of one supervisor cycle with a shared ID.
package correlation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

const attrKey = "cycle_id"

type contextKey struct{}

// NewID generates an 8-character cycle ID.
func NewID() string {
	return uuid.NewString()[:8]
}

// WithID returns a new context carrying the given cycle ID.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// ID extracts the cycle ID from ctx, returning ("", false) if not present.
func ID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// Logger returns slog.Default() tagged with the cycle ID from ctx, for components that log
// outside any request context.
func Logger(ctx context.Context) *slog.Logger {
	if id, ok := ID(ctx); ok {
		return slog.Default().With(slog.String(attrKey, id))
	}
	return slog.Default()
}

// Handler wraps an existing slog.Handler to automatically inject a
// "cycle_id" attribute when the context carries one.
type Handler struct {
	inner slog.Handler
}

// NewHandler creates a cycle-aware handler wrapping the given handler.
func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ID(ctx); ok {
		r.AddAttrs(slog.String(attrKey, id))
	}
	if err := h.inner.Handle(ctx, r); err != nil {
		return fmt.Errorf("correlation handler: %w", err)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}
