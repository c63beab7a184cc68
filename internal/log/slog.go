package log

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"
)

type slogLogger struct {
	h                 slog.Handler
	attrs             []slog.Attr
	includeErrorLinks bool
	maxErrorLinks     int
}

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	if opts.StacktraceLevel == 0 {
		opts.StacktraceLevel = slog.LevelError
	}
	if opts.MaxErrorLinks <= 0 {
		opts.MaxErrorLinks = 8
	}
	redact := opts.RedactKeys
	if redact == nil {
		redact = DefaultRedactKeys
	}

	hopts := &slog.HandlerOptions{
		Level:       opts.Level,
		AddSource:   true,
		ReplaceAttr: redactAttr(redact),
	}
	var h slog.Handler
	if opts.JsonFormat {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	h = otelHandler{next: h}
	h = stackHandler{next: h, level: opts.StacktraceLevel}

	attrs := []slog.Attr{slog.String("app", opts.App)}
	if opts.Version != "" {
		attrs = append(attrs, slog.String("version", opts.Version))
	}

	return &slogLogger{
		h:                 h,
		attrs:             attrs,
		includeErrorLinks: opts.IncludeErrorLinks,
		maxErrorLinks:     opts.MaxErrorLinks,
	}, nil
}

// With is copy-on-write so loggers are safe to share concurrently
func (s *slogLogger) With(kv ...any) Logger {
	next := make([]slog.Attr, 0, len(s.attrs)+len(kv)/2)
	next = append(next, s.attrs...)
	next = appendKV(next, kv)
	return &slogLogger{
		h:                 s.h,
		attrs:             next,
		includeErrorLinks: s.includeErrorLinks,
		maxErrorLinks:     s.maxErrorLinks,
	}
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelDebug, msg, kv)
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelInfo, msg, kv)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelWarn, msg, kv)
}

func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		surface, root := classifyTypes(err)
		kv = append(kv, "err", err, "error_type", surface, "cause_type", root)
		if chain := errorChain(err); len(chain) > 0 {
			kv = append(kv, "error_chain", chain)
		}
		if s.includeErrorLinks {
			kv = append(kv, "error_links", chainLinks(err, s.maxErrorLinks))
		}
	}
	s.log(ctx, slog.LevelError, msg, kv)
}

func (s *slogLogger) Sync() error { return nil }

// callers: runtime.Callers, log, Debug/Info/Warn/Error
const callerSkip = 3

func (s *slogLogger) log(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(callerSkip, pcs[:])

	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	r.AddAttrs(s.attrs...)
	r.AddAttrs(appendKV(nil, kv)...)
	_ = s.h.Handle(ctx, r)
}

// appendKV converts alternating key/value pairs, dropping non-string keys
// and a trailing odd value.
func appendKV(dst []slog.Attr, kv []any) []slog.Attr {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			dst = append(dst, slog.Any(k, kv[i+1]))
		}
	}
	return dst
}
