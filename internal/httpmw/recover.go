package httpmw

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/linnemanlabs-docview/internal/log"
)

// Recover turns a handler panic into a 500 and an error log line.
// onPanic, when set, runs after logging (used for a panic counter).
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// let net/http abort the connection as it normally would
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("panic: %v", rec)
				} else {
					err = fmt.Errorf("panic: %w", err)
				}
				logger.With(
					"http.method", r.Method,
					"http.path", r.URL.Path,
				).Error(r.Context(), err, "httpserver panic recovered",
					"stack", string(debug.Stack()),
				)
				if onPanic != nil {
					onPanic()
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
