// Package log is the structured logger used across docview. It wraps
// log/slog behind a small interface, enriches records with trace ids and
// error details, and carries a request-scoped logger in the context.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

// DefaultRedactKeys are attribute keys whose values are bearer secrets.
// A share token grants access to a document and must never reach logs.
var DefaultRedactKeys = []string{"share_id", "token", "share_token"}

type Options struct {
	App               string
	Version           string
	Commit            string
	BuildId           string
	Level             slog.Level
	StacktraceLevel   slog.Level
	JsonFormat        bool
	MaxErrorLinks     int
	IncludeErrorLinks bool
	Writer            io.Writer

	// RedactKeys replaces DefaultRedactKeys when non-nil.
	RedactKeys []string
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %s (valid levels are debug|info|warn|error)", s)
	}
}

// nopLogger implements Logger but does nothing for mock or testing
type nopLogger struct{}

func (nopLogger) Debug(context.Context, string, ...any)        {}
func (nopLogger) Info(context.Context, string, ...any)         {}
func (nopLogger) Warn(context.Context, string, ...any)         {}
func (nopLogger) Error(context.Context, error, string, ...any) {}
func (nopLogger) Sync() error                                  { return nil }
func (n nopLogger) With(...any) Logger                         { return n }

// Nop returns a no-op Logger.
func Nop() Logger { return nopLogger{} }
