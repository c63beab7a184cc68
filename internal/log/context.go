package log

import (
	"context"
)

type ctxKey struct{}

// WithContext returns a new context that carries l
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the Logger stored in ctx, or Nop if none is present
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
		return l
	}
	return Nop()
}
