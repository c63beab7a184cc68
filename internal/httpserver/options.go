package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-docview/internal/health"
	"github.com/keithlinneman/linnemanlabs-docview/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-docview/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler

	// served at /healthz and /readyz when set
	Health    health.Probe
	Readiness health.Probe

	// APIRoutes mounts the viewer API on the root router.
	APIRoutes func(chi.Router)

	ClientIPOpts httpmw.ClientIPOptions
}
