package httpmw

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-docview/internal/log"
	"github.com/keithlinneman/linnemanlabs-docview/internal/otelx"
)

const redactedValue = "[REDACTED]"

// quietPaths are probe endpoints that would drown the access log.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
}

// responseWriter captures status and size, and times the response write
// in a child span once the handler starts writing.
type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64

	ctx      context.Context
	reqStart time.Time

	writeSpan    trace.Span
	started      bool
	firstWriteAt time.Duration
	writeBlocked time.Duration
	writeErr     error
}

func (rw *responseWriter) startWrite() {
	if rw.started {
		return
	}
	rw.started = true
	rw.firstWriteAt = time.Since(rw.reqStart)

	if !trace.SpanFromContext(rw.ctx).IsRecording() {
		return
	}
	rw.ctx, rw.writeSpan = otelx.Tracer("httpmw").Start(rw.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", rw.firstWriteAt.Seconds())),
	)
}

func (rw *responseWriter) endWrite() {
	if rw.writeSpan == nil {
		return
	}
	rw.writeSpan.SetAttributes(
		attribute.Int("http.response.status_code", rw.code()),
		attribute.Int64("http.response.body.size", rw.bytes),
		attribute.Float64("http.server.write.block_seconds", rw.writeBlocked.Seconds()),
	)
	if rw.writeErr != nil {
		rw.writeSpan.RecordError(rw.writeErr)
		rw.writeSpan.SetStatus(codes.Error, rw.writeErr.Error())
	}
	rw.writeSpan.End()
}

func (rw *responseWriter) code() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.startWrite()
	if rw.status == 0 {
		rw.status = code
	}
	start := time.Now()
	rw.ResponseWriter.WriteHeader(code)
	rw.writeBlocked += time.Since(start)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.startWrite()
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	start := time.Now()
	n, err := rw.ResponseWriter.Write(b)
	rw.writeBlocked += time.Since(start)
	rw.bytes += int64(n)
	if err != nil && rw.writeErr == nil {
		rw.writeErr = err
	}
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// WithLogger stores a request-scoped logger in the context, carrying the
// request id and connection details. Runs after RequestID and ClientIP.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)
			client := ClientIPFromContext(ctx)
			peer := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peer); err == nil {
				peer = host
			}
			scheme := schemeFromRequest(r)
			query := redactQuery(r.URL.RawQuery, log.DefaultRedactKeys)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", client),
					attribute.String("network.peer.address", peer),
					attribute.String("url.scheme", scheme),
				)
				if query != "" {
					span.SetAttributes(attribute.String("url.query", query))
				}
			}

			fields := []any{
				"request_id", reqID,
				"client.address", client,
				"network.peer.address", peer,
				"server.address", r.Host,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			}
			if query != "" {
				fields = append(fields, "url.query", query)
			}
			ctx = log.WithContext(ctx, base.With(fields...))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccessLog writes one line per request once the handler returns. Probe
// endpoints are not logged.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, ctx: r.Context(), reqStart: start}

			next.ServeHTTP(rw, r)
			rw.endWrite()

			if quietPaths[r.URL.Path] {
				return
			}
			ctx := r.Context()
			route := ""
			if rc := chi.RouteContext(ctx); rc != nil {
				route = rc.RoutePattern()
			}
			if route == "" {
				route = "unmatched"
			}
			var reqSize int64
			if r.ContentLength > 0 {
				reqSize = r.ContentLength
			}

			log.FromContext(ctx).Info(ctx, "http request",
				"http.response.status_code", rw.code(),
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.response.body.size", rw.bytes,
				"http.request.body.size", reqSize,
				"http.route", route,
			)
		})
	}
}

// schemeFromRequest trusts X-Forwarded-Proto only if ClientIP left it in
// place, which it does for configured proxies.
func schemeFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		s := strings.ToLower(strings.TrimSpace(strings.Split(xf, ",")[0]))
		if s == "http" || s == "https" {
			return s
		}
	}
	if r.URL != nil && r.URL.Scheme != "" {
		return r.URL.Scheme
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// redactQuery masks the values of sensitive keys, keeping pair order.
// Keys that cannot be unescaped are masked too since they cannot be
// checked.
func redactQuery(raw string, keys []string) string {
	if raw == "" {
		return ""
	}
	pairs := strings.Split(raw, "&")
	for i, p := range pairs {
		k, _, hasVal := strings.Cut(p, "=")
		name, err := url.QueryUnescape(k)
		if err != nil {
			pairs[i] = redactedValue
			continue
		}
		if hasVal && sensitiveKey(name, keys) {
			pairs[i] = k + "=" + redactedValue
		}
	}
	return strings.Join(pairs, "&")
}

func sensitiveKey(name string, keys []string) bool {
	for _, k := range keys {
		if strings.EqualFold(name, k) {
			return true
		}
	}
	return false
}

// Scope names the handler on the request logger and the server span.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", handler))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
