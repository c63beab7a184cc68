// Package prof runs the optional continuous profiler.
package prof

import (
	"context"
	"fmt"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-docview/internal/log"
	"github.com/keithlinneman/linnemanlabs-docview/internal/xerrors"
)

// Metrics receives the profiler state. *metrics.ServerMetrics satisfies it.
type Metrics interface {
	SetProfilingActive(bool)
}

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	Tags          map[string]string

	// zero leaves the runtime default in place
	ProfileMutexFraction int
	BlockProfileRate     int

	Metrics Metrics
}

var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

// Start begins profiling and returns an idempotent stop func. The stop
// func is never nil, even on error.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	setActive := func(b bool) {
		if opts.Metrics != nil {
			opts.Metrics.SetProfilingActive(b)
		}
	}

	if !opts.Enabled {
		setActive(false)
		L.Info(ctx, "pyroscope disabled")
		return func() {}, nil
	}
	if opts.ServerAddress == "" {
		setActive(false)
		return func() {}, xerrors.New("pyroscope enabled without a server address")
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		Logger:          pyroLogger{ctx: ctx, L: L.With("component", "pyroscope")},
		ProfileTypes:    profileTypes,
	})
	if err != nil {
		setActive(false)
		return func() {}, xerrors.Wrapf(err, "start pyroscope (server %s)", opts.ServerAddress)
	}
	setActive(true)
	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)

	stopped := false
	return func() {
		if stopped {
			return
		}
		stopped = true
		profiler.Stop()
		setActive(false)
		L.Info(context.Background(), "pyroscope stopped", "server_address", opts.ServerAddress)
	}, nil
}

// pyroLogger adapts the structured logger to pyroscope's printf logger.
type pyroLogger struct {
	ctx context.Context
	L   log.Logger
}

func (p pyroLogger) Infof(format string, args ...any) {
	p.L.Debug(p.ctx, fmt.Sprintf(format, args...))
}

func (p pyroLogger) Debugf(format string, args ...any) {
	p.L.Debug(p.ctx, fmt.Sprintf(format, args...))
}

func (p pyroLogger) Errorf(format string, args ...any) {
	p.L.Warn(p.ctx, fmt.Sprintf(format, args...))
}
