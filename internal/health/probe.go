package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-docview/internal/xerrors"
)

// Probe is evaluated per request. A non-nil error is the failure reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe that always passes or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All is AND: passes only if all probes pass; returns the first error.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Named prefixes p's failure with name so a readiness body says which
// dependency failed, e.g. "redis: dial tcp: connection refused".
func Named(name string, p Probe) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		if err := p.Check(ctx); err != nil {
			return xerrors.Wrap(err, name)
		}
		return nil
	}
}

// Timeout bounds p to d. A nil p passes.
func Timeout(d time.Duration, p Probe) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return p.Check(ctx)
	}
}

// ShutdownGate flips readiness to false during drain/shutdown.
// The zero value is open.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Set closes the gate. An empty reason reports "draining".
func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

func (g *ShutdownGate) Clear() { g.reason.Store(nil) }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return xerrors.New(*r)
		}
		return nil
	}
}
