package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests chi could not route. Raw paths carry
// session ids and would explode cardinality.
const unmatchedRoute = "unmatched"

type statusWriter struct {
	http.ResponseWriter
	status int
	n      int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.n += n
	return n, err
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware measures inflight, total, duration, size and 5xx errors.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if chi.RouteContext(r.Context()) == nil {
			rctx := chi.NewRouteContext()
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
		}

		m.inflight.Inc()
		defer m.inflight.Dec()

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		code := sw.status
		if code == 0 {
			code = http.StatusOK
		}

		ctx := r.Context()
		method := r.Method
		route := unmatchedRoute
		if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}

		m.reqTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
		if code >= 500 {
			m.errorsTotal.WithLabelValues(method, route).Inc()
		}

		lat := time.Since(start).Seconds()
		obs := m.reqDur.WithLabelValues(method, route)
		if eo, ok := obs.(prometheus.ExemplarObserver); ok {
			if ex := traceExemplar(ctx); ex != nil {
				eo.ObserveWithExemplar(lat, ex)
			} else {
				obs.Observe(lat)
			}
		} else {
			obs.Observe(lat)
		}

		m.respBytes.WithLabelValues(method, route).Observe(float64(sw.n))
	})
}

// if a sampled trace is present attach its trace_id as an exemplar
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
