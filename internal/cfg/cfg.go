package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/linnemanlabs-docview/internal/log"
)

// EnvPrefix namespaces environment overrides: flag "foo-bar" reads DOCVIEW_FOO_BAR.
const EnvPrefix = "DOCVIEW_"

type App struct {
	ConfigFile string

	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort         int
	AdminPort        int
	EnablePprof      bool
	TrustedProxyHops int
	RateLimitRate    float64
	RateLimitBurst   int

	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64

	DirectoryBaseURL      string
	DirectoryBaseSSMParam string
	DirectoryTimeout      time.Duration
	PublicOrigins         string

	EnableS3Content bool
	ContentTimeout  time.Duration
	ContentMaxBytes int64

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	SessionIdleTTL     time.Duration
	MaxSessions        int
	OpenWait           time.Duration
	ExpiryPollInterval time.Duration
	ContinuousPages    bool
}

// PublicOriginList splits PublicOrigins on commas, dropping blanks.
func (c App) PublicOriginList() []string {
	var out []string
	for _, o := range strings.Split(c.PublicOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigFile, "config", "", "optional YAML file of flag-name: value pairs (applied beneath env and cli)")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "reverse proxies in front of the server whose X-Forwarded-For is trusted (0..5)")
	fs.Float64Var(&c.RateLimitRate, "ratelimit-rate", 1, "session creations per second per client IP")
	fs.IntVar(&c.RateLimitBurst, "ratelimit-burst", 10, "session creation burst per client IP")

	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.DirectoryBaseURL, "directory-base-url", "", "document directory base URL; empty resolves against an allowed public origin")
	fs.StringVar(&c.DirectoryBaseSSMParam, "directory-base-ssm-param", "", "ssm parameter holding the document directory base URL, read once at startup")
	fs.DurationVar(&c.DirectoryTimeout, "directory-timeout", 10*time.Second, "document directory lookup timeout")
	fs.StringVar(&c.PublicOrigins, "public-origins", "", "comma-separated http(s)://host[:port] origins the viewer is served under; same-origin lookups only use these")

	fs.BoolVar(&c.EnableS3Content, "enable-s3-content", true, "Fetch s3://bucket/key content URLs with the AWS SDK")
	fs.DurationVar(&c.ContentTimeout, "content-timeout", 30*time.Second, "content fetch timeout")
	fs.Int64Var(&c.ContentMaxBytes, "content-max-bytes", 64<<20, "largest document held for a session, in bytes")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis host:port for the directory record cache; empty disables caching")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
	fs.DurationVar(&c.RedisTTL, "redis-ttl", 5*time.Minute, "directory record cache TTL (clamped to the record expiry)")

	fs.DurationVar(&c.SessionIdleTTL, "session-idle-ttl", 30*time.Minute, "idle viewer sessions are closed after this long")
	fs.IntVar(&c.MaxSessions, "max-sessions", 10000, "maximum open viewer sessions (0 = unlimited)")
	fs.DurationVar(&c.OpenWait, "open-wait", 5*time.Second, "how long session creation waits for the first access decision")
	fs.DurationVar(&c.ExpiryPollInterval, "expiry-poll-interval", time.Minute, "expiry monitor poll interval")
	fs.BoolVar(&c.ContinuousPages, "continuous-pages", false, "paged viewer follows page visibility (continuous scroll)")
}

// ApplyFile reads a flat YAML mapping of flag names to values and sets
// every flag not already set. Run it after FillFromEnv: flags set from
// the CLI or env count as set, so both beat the file. Unknown keys are
// an error.
func ApplyFile(fs *flag.FlagSet, path string) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		if k == "config" {
			errs = append(errs, fmt.Errorf("config file cannot set %q", k))
			continue
		}
		f := fs.Lookup(k)
		if f == nil {
			errs = append(errs, fmt.Errorf("unknown config key %q", k))
			continue
		}
		if explicit[k] {
			continue
		}
		v := raw[k]
		if v == nil {
			continue
		}
		if err := fs.Set(k, fmt.Sprint(v)); err != nil {
			errs = append(errs, fmt.Errorf("config key %q: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > config file > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value overrides env %s", f.Name, key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		add("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		add("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	}
	if c.AdminPort == c.HTTPPort {
		add("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		add("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			add("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err)
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		add("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		add("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			add("PYRO_SERVER required when ENABLE_PYROSCOPE=true")
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			add("PYRO_SERVER must be a URL (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			add("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			add("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			add("OTLP_ENDPOINT must be host:port (got %q): %w", c.OTLPEndpoint, err)
		}
	}

	if c.TrustedProxyHops < 0 || c.TrustedProxyHops > 5 {
		add("TRUSTED_PROXY_HOPS must be 0..5 (got %d)", c.TrustedProxyHops)
	}
	if c.RateLimitRate <= 0 {
		add("RATELIMIT_RATE must be > 0 (got %g)", c.RateLimitRate)
	}
	if c.RateLimitBurst < 1 {
		add("RATELIMIT_BURST must be >= 1 (got %d)", c.RateLimitBurst)
	}

	if c.DirectoryBaseURL != "" {
		if u, err := url.Parse(c.DirectoryBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("DIRECTORY_BASE_URL must be an absolute http(s) URL (got %q)", c.DirectoryBaseURL)
		}
		if c.DirectoryBaseSSMParam != "" {
			add("set only one of DIRECTORY_BASE_URL and DIRECTORY_BASE_SSM_PARAM")
		}
	}
	for _, o := range c.PublicOriginList() {
		if u, err := url.Parse(o); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" ||
			u.User != nil || strings.TrimRight(u.Path, "/") != "" || u.RawQuery != "" {
			add("PUBLIC_ORIGINS entries must be http(s)://host[:port] (got %q)", o)
		}
	}
	// the request Host is caller controlled and never picks an upstream
	// on its own
	if c.DirectoryBaseURL == "" && c.DirectoryBaseSSMParam == "" && len(c.PublicOriginList()) == 0 {
		add("one of DIRECTORY_BASE_URL, DIRECTORY_BASE_SSM_PARAM or PUBLIC_ORIGINS is required")
	}
	if c.DirectoryTimeout <= 0 {
		add("DIRECTORY_TIMEOUT must be > 0 (got %s)", c.DirectoryTimeout)
	}
	if c.ContentTimeout <= 0 {
		add("CONTENT_TIMEOUT must be > 0 (got %s)", c.ContentTimeout)
	}
	if c.ContentMaxBytes <= 0 {
		add("CONTENT_MAX_BYTES must be > 0 (got %d)", c.ContentMaxBytes)
	}

	if c.RedisAddr != "" {
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			add("REDIS_ADDR must be host:port (got %q): %w", c.RedisAddr, err)
		}
		if c.RedisTTL <= 0 {
			add("REDIS_TTL must be > 0 when REDIS_ADDR is set (got %s)", c.RedisTTL)
		}
	}
	if c.RedisDB < 0 {
		add("REDIS_DB must be >= 0 (got %d)", c.RedisDB)
	}

	if c.SessionIdleTTL < time.Minute {
		add("SESSION_IDLE_TTL must be >= 1m (got %s)", c.SessionIdleTTL)
	}
	if c.MaxSessions < 0 {
		add("MAX_SESSIONS must be >= 0 (got %d)", c.MaxSessions)
	}
	if c.OpenWait <= 0 {
		add("OPEN_WAIT must be > 0 (got %s)", c.OpenWait)
	}
	if c.ExpiryPollInterval < time.Second {
		add("EXPIRY_POLL_INTERVAL must be >= 1s (got %s)", c.ExpiryPollInterval)
	}

	return errors.Join(errs...)
}
