// Package httpserver builds and runs docview's public HTTP listener.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-docview/internal/health"
	"github.com/keithlinneman/linnemanlabs-docview/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-docview/internal/log"
	"github.com/keithlinneman/linnemanlabs-docview/internal/xerrors"
)

const (
	DefaultPort = 8080

	// backstop for every route; the viewer API sets tighter per-route caps
	maxRequestBody = 64 << 10
)

var untraced = map[string]bool{
	"/healthz":     true,
	"/readyz":      true,
	"/favicon.ico": true,
	"/robots.txt":  true,
}

// NewHandler builds the routed handler and wraps it in the middleware
// stack. main owns the *http.Server so it controls shutdown.
func NewHandler(opts *Options) http.Handler {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json", "text/plain", "text/csv"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxRequestBody))

	if opts.Health != nil {
		r.Get("/healthz", health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/readyz", health.ReadyzHandler(opts.Readiness))
	}
	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}
	r.NotFound(jsonStatus(http.StatusNotFound))
	r.MethodNotAllowed(jsonStatus(http.StatusMethodNotAllowed))

	// wrapped inside out; the last wrapper runs first
	var h http.Handler = r
	h = httpmw.WithLogger(L)(h)
	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}
	h = httpmw.TraceResponseHeaders("", "")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return !untraced[r.URL.Path] }),
		// AnnotateHTTPRoute renames the span once the route is known
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string { return r.Method }),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
	h = httpmw.ClientIPWithOptions(opts.ClientIPOpts)(h)
	h = httpmw.RequestID("")(h)
	if opts.UseRecoverMW {
		h = httpmw.Recover(L, opts.OnPanic)(h)
	}
	h = httpmw.SecurityHeaders(h)
	return h
}

func jsonStatus(code int) http.HandlerFunc {
	body := fmt.Sprintf("{\"error\":%q}\n", http.StatusText(code))
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}
}

// Timeouts shared with opshttp. WriteTimeout covers content downloads
// of up to the configured content cap on slow links.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 60 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
	shutdownGrace            = 5 * time.Second
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens and serves in the background. The returned stop drains
// in-flight requests and is safe to call more than once.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	srv := NewServer(addr, NewHandler(opts))
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen %s", addr)
	}

	go func() {
		L.Info(ctx, "http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	var stopErr error
	stop := func(sctx context.Context) error {
		once.Do(func() {
			L.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, shutdownGrace)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}
	return stop, nil
}
