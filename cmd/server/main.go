package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/linnemanlabs-docview/internal/access"
	"github.com/keithlinneman/linnemanlabs-docview/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-docview/internal/content"
	"github.com/keithlinneman/linnemanlabs-docview/internal/directory"
	"github.com/keithlinneman/linnemanlabs-docview/internal/health"
	"github.com/keithlinneman/linnemanlabs-docview/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-docview/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-docview/internal/log"
	"github.com/keithlinneman/linnemanlabs-docview/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-docview/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-docview/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-docview/internal/prof"
	"github.com/keithlinneman/linnemanlabs-docview/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-docview/internal/session"
	v "github.com/keithlinneman/linnemanlabs-docview/internal/version"
	"github.com/keithlinneman/linnemanlabs-docview/internal/viewerhttp"
)

const (
	appName   = "docview"
	component = "server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s %s (commit=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			appName, vi.Version, vi.Commit, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// precedence: cli > env > config file > default
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.ApplyFile(flag.CommandLine, conf.ConfigFile); err != nil {
		fmt.Fprintln(os.Stderr, "config file error:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	lg, err := newLogger(conf, vi)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	if err := run(ctx, L, conf, vi); err != nil {
		L.Error(ctx, err, "server exited with error")
		_ = lg.Sync()
		os.Exit(1)
	}
}

func newLogger(conf cfg.App, vi v.Info) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	stackLvl := slog.LevelError
	if conf.StacktraceLevel != "" {
		if stackLvl, err = log.ParseLevel(conf.StacktraceLevel); err != nil {
			return nil, err
		}
	}
	return log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
}

func run(ctx context.Context, L log.Logger, conf cfg.App, vi v.Info) error {
	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"directory_base_url", conf.DirectoryBaseURL,
		"directory_base_ssm_param", conf.DirectoryBaseSSMParam,
		"public_origins", conf.PublicOriginList(),
		"enable_s3_content", conf.EnableS3Content,
		"redis_enabled", conf.RedisAddr != "",
		"max_sessions", conf.MaxSessions,
		"session_idle_ttl", conf.SessionIdleTTL,
		"continuous_pages", conf.ContinuousPages,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, component, &vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName + "." + component,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags:          map[string]string{"version": vi.Version},
		Metrics:       m,
	})
	if err != nil {
		// profiling is optional; keep serving without it
		L.Error(ctx, err, "pyroscope start failed")
	}
	defer stopProf()

	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		return err
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(c); err != nil {
			L.Warn(c, "otel shutdown", "err", err)
		}
	}()

	var awsCfg *aws.Config
	if conf.EnableS3Content || conf.DirectoryBaseSSMParam != "" {
		c, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return err
		}
		awsCfg = &c
	}

	// directory: optional SSM base url, optional redis read-through cache
	baseURL := conf.DirectoryBaseURL
	if conf.DirectoryBaseSSMParam != "" {
		baseURL, err = directory.BaseURLFromSSM(ctx, ssm.NewFromConfig(*awsCfg), conf.DirectoryBaseSSMParam)
		if err != nil {
			return err
		}
		L.Info(ctx, "directory base url loaded from SSM", "param", conf.DirectoryBaseSSMParam, "base_url", baseURL)
	}
	client, err := directory.NewClient(directory.ClientOptions{
		Logger:    L.With("component", "directory"),
		BaseURL:   baseURL,
		Timeout:   conf.DirectoryTimeout,
		UserAgent: vi.UserAgent(),
	})
	if err != nil {
		return err
	}
	origins, err := directory.ParseOrigins(conf.PublicOriginList())
	if err != nil {
		return err
	}
	var dir access.Directory = client
	var redisProbe health.Probe = health.Fixed(true, "")
	if conf.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     conf.RedisAddr,
			Password: conf.RedisPassword,
			DB:       conf.RedisDB,
		})
		defer rdb.Close()
		store := directory.NewRedisStore(rdb)
		dir = directory.NewCached(directory.CachedOptions{
			Logger:  L.With("component", "directory_cache"),
			Next:    client,
			Store:   store,
			TTL:     conf.RedisTTL,
			Metrics: m,
		})
		redisProbe = health.Named("redis", health.Timeout(time.Second, health.CheckFunc(store.Ping)))
	}

	// content: http(s) always, s3 when enabled
	router := content.RouterOptions{
		Logger: L.With("component", "content"),
		HTTP: content.NewHTTPFetcher(content.HTTPFetcherOptions{
			Timeout:   conf.ContentTimeout,
			MaxBytes:  conf.ContentMaxBytes,
			UserAgent: vi.UserAgent(),
		}),
		Metrics: m,
		Origin:  directory.OriginFromContext,
	}
	if conf.EnableS3Content {
		router.S3 = content.NewS3Fetcher(s3.NewFromConfig(*awsCfg), conf.ContentTimeout, conf.ContentMaxBytes)
	}

	sessions := session.NewManager(session.ManagerOptions{
		Logger:      L.With("component", "sessions"),
		Metrics:     m,
		IdleTTL:     conf.SessionIdleTTL,
		MaxSessions: conf.MaxSessions,
		Session: session.Options{
			Policy: access.NewPolicy(access.PolicyOptions{
				Logger:    L.With("component", "access"),
				Directory: dir,
				Metrics:   m,
			}),
			Fetcher:            content.NewRouter(router),
			Metrics:            m,
			ExpiryPollInterval: conf.ExpiryPollInterval,
			ContinuousPages:    conf.ContinuousPages,
		},
	})
	go func() { _ = sessions.Run(ctx) }()

	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.RateLimitRate, conf.RateLimitBurst),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		// logged once per visitor until it is evicted
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			L.Warn(ctx, "rate limiter visitor cap reached, rejecting new visitors until eviction")
		}),
	)

	api := viewerhttp.NewAPI(viewerhttp.Options{
		Logger:   L.With("component", "viewerhttp"),
		Sessions: sessions,
		OpenWait: conf.OpenWait,
		CreateMW: limiter.Middleware,
		Origins:  origins,
	})

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe(), health.Named("sessions", health.CheckFunc(sessions.Check)), redisProbe)

	stopHTTP, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    api.RegisterRoutes,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
	})
	if err != nil {
		return err
	}

	stopOps, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
	})
	if err != nil {
		_ = stopHTTP(context.Background())
		return err
	}

	L.Info(ctx, "docview started")
	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	// fail readiness first so load balancers drain us
	gate.Set("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := stopHTTP(shutdownCtx); err != nil {
		L.Error(shutdownCtx, err, "http server shutdown")
	}
	sessions.CloseAll(shutdownCtx)
	if err := stopOps(shutdownCtx); err != nil {
		L.Error(shutdownCtx, err, "ops server shutdown")
	}
	L.Info(shutdownCtx, "shutdown complete")
	return nil
}
