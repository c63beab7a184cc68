package httpmw

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	DefaultRequestIDHeader = "X-Request-Id"
	maxRequestIDLen        = 64
)

type requestIDKey struct{}

func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns "" when no id is attached.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID propagates a well-formed incoming id or mints a new one, and
// echoes it on the response. Malformed ids are replaced so callers cannot
// inject arbitrary text into logs.
func RequestID(headerName string) func(http.Handler) http.Handler {
	if headerName == "" {
		headerName = DefaultRequestIDHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(headerName)
			if !validRequestID(id) {
				id = uuid.NewString()
			}
			w.Header().Set(headerName, id)
			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
		})
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}
