package opshttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-docview/internal/health"
	"github.com/keithlinneman/linnemanlabs-docview/internal/log"
	"github.com/keithlinneman/linnemanlabs-docview/internal/xerrors"
)

const DefaultPort = 9000

// RegisterPprof mounts the net/http/pprof handlers on mux.
func RegisterPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// requireNonPublicNetwork rejects peers outside loopback, private and
// link-local ranges. The admin port exposes pprof and per-session counts.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		ip := net.ParseIP(host)
		if err != nil || ip == nil {
			L.Warn(r.Context(), "ops request with unparseable remote addr", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsLinkLocalUnicast() {
			L.Warn(r.Context(), "ops request from public address rejected", "remote_ip", ip.String(), "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start admin HTTP server with /metrics, /healthz, /readyz, pprof debug endpoints
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HealthzHandler(opts.Health))
	mux.Handle("/readyz", health.ReadyzHandler(opts.Readiness))
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	if opts.EnablePprof {
		RegisterPprof(mux)
	} else {
		mux.HandleFunc("/debug/pprof/", http.NotFound)
	}

	var h http.Handler = mux
	if !opts.AllowPublic {
		h = requireNonPublicNetwork(L, h)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// pprof profile and trace stream for up to 30s by default
		WriteTimeout:   45 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr, "pprof", opts.EnablePprof)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
