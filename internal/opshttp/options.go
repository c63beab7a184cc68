package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-docview/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// AllowPublic disables the private-network guard. Only for local runs.
	AllowPublic bool
}
