package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-docview/internal/version"
)

// ServerMetrics owns the process registry. Its methods satisfy the small
// metrics interfaces declared by the domain packages.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	ratelimitDeniedTotal prometheus.Counter
	profilingActive      prometheus.Gauge

	// docview
	accessDecisions  *prometheus.CounterVec
	directoryCache   *prometheus.CounterVec
	contentFetchDur  *prometheus.HistogramVec
	activeSessions   prometheus.Gauge
	expiryPollsTotal prometheus.Counter
	expirationsTotal prometheus.Counter
	guardBlanksTotal *prometheus.CounterVec
}

// New returns a fresh registry + standard collectors + HTTP and session metrics
// safe labels only (method, route, code, outcome) to avoid cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docview_access_decisions_total",
			Help: "Access evaluations by resulting state",
		}, []string{"outcome"}),
		directoryCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docview_directory_cache_total",
			Help: "Directory record cache lookups by result",
		}, []string{"result"}),
		contentFetchDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docview_content_fetch_duration_seconds",
			Help:    "Content fetch latency by source and outcome",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source", "outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docview_active_sessions",
			Help: "Open viewer sessions",
		}),
		expiryPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docview_expiry_polls_total",
			Help: "Total expiry monitor poll cycles",
		}),
		expirationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docview_expirations_total",
			Help: "Total sessions collapsed to expired by the expiry monitor",
		}),
		guardBlanksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docview_screenguard_blanks_total",
			Help: "Screen guard blanking events by signal",
		}, []string{"signal"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.profilingActive,
		m.accessDecisions,
		m.directoryCache,
		m.contentFetchDur,
		m.activeSessions,
		m.expiryPollsTotal,
		m.expirationsTotal,
		m.guardBlanksTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":        app,
		"component":  component,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_id":   vi.BuildId,
		"build_date": vi.BuildDate,
		"go_version": vi.GoVersion,
		"vcs_dirty":  dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

func (m *ServerMetrics) IncAccessDecision(outcome string) {
	m.accessDecisions.WithLabelValues(outcome).Inc()
}

func (m *ServerMetrics) IncDirectoryCache(result string) {
	m.directoryCache.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) ObserveContentFetch(source, outcome string, seconds float64) {
	m.contentFetchDur.WithLabelValues(source, outcome).Observe(seconds)
}

func (m *ServerMetrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *ServerMetrics) IncExpiryPoll() {
	m.expiryPollsTotal.Inc()
}

func (m *ServerMetrics) IncExpiration() {
	m.expirationsTotal.Inc()
}

func (m *ServerMetrics) IncGuardBlank(signal string) {
	m.guardBlanksTotal.WithLabelValues(signal).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
