package httpmw

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AnnotateHTTPRoute renames the server span after the chi route pattern
// once routing is done, so session ids never become span names.
func AnnotateHTTPRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		span := trace.SpanFromContext(r.Context())
		if !span.IsRecording() {
			return
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		span.SetAttributes(attribute.String("http.route", route))
		span.SetName(r.Method + " " + route)
	})
}
