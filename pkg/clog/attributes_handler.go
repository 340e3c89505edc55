package clog

import (
	"context"
	"log/slog"
)

// AttributesHandler decorates another slog.Handler with the attributes
// accumulated on the context through AddAttribute. The reconciler stamps the
// run ID and the domain being converged there once, and every log line
// emitted further down carries them without explicit arguments at each call
// site. The chi middleware uses the same channel for request attributes.
type AttributesHandler struct {
	next slog.Handler
}

func NewAttributesHandler(next slog.Handler) *AttributesHandler {
	return &AttributesHandler{next: next}
}

func (h *AttributesHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle appends the context attributes to the record before delegating. A
// context without attributes passes through untouched.
func (h *AttributesHandler) Handle(ctx context.Context, record slog.Record) error {
	for key, value := range GetAttributes(ctx) {
		record.AddAttrs(slog.Any(key, value))
	}
	return h.next.Handle(ctx, record)
}

func (h *AttributesHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AttributesHandler{next: h.next.WithAttrs(attrs)}
}

func (h *AttributesHandler) WithGroup(name string) slog.Handler {
	return &AttributesHandler{next: h.next.WithGroup(name)}
}
