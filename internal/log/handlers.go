package log

import (
	"context"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/trace"
)

const redacted = "[REDACTED]"

// redactAttr masks the values of secret-bearing keys at any group depth.
func redactAttr(keys []string) func([]string, slog.Attr) slog.Attr {
	return func(_ []string, a slog.Attr) slog.Attr {
		if slices.Contains(keys, a.Key) {
			return slog.String(a.Key, redacted)
		}
		return a
	}
}

// otelHandler adds trace_id and span_id from the active span.
type otelHandler struct{ next slog.Handler }

func (h otelHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h otelHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, r)
}

func (h otelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return otelHandler{next: h.next.WithAttrs(attrs)}
}

func (h otelHandler) WithGroup(name string) slog.Handler {
	return otelHandler{next: h.next.WithGroup(name)}
}

// stackHandler attaches a stack at or above level, preferring the one
// captured on the logged error.
type stackHandler struct {
	next  slog.Handler
	level slog.Level
}

func (h stackHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h stackHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level {
		var pcs []uintptr
		r.Attrs(func(a slog.Attr) bool {
			if a.Key != "err" {
				return true
			}
			if hs, ok := a.Value.Any().(hasStack); ok && hs != nil {
				pcs = hs.StackPCs()
			}
			return false
		})
		if len(pcs) == 0 {
			pcs = callerPCs(4)
		}
		r.AddAttrs(slog.String("stack", renderPCs(pcs)))
	}
	return h.next.Handle(ctx, r)
}

func (h stackHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return stackHandler{next: h.next.WithAttrs(attrs), level: h.level}
}

func (h stackHandler) WithGroup(name string) slog.Handler {
	return stackHandler{next: h.next.WithGroup(name), level: h.level}
}
