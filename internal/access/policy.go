// Package access decides whether a share token may be viewed in the
// current session.
//
// Evaluation order is fixed: missing token, session view guard,
// directory lookup, expiry, then Ready (consuming the guard for
// view-once records). Failures are reported as a State, never as an
// error.
package access

import (
	"context"
	"errors"
	"strings"

	"github.com/keithlinneman/linnemanlabs-docview/internal/clock"
	"github.com/keithlinneman/linnemanlabs-docview/internal/log"
	"github.com/keithlinneman/linnemanlabs-docview/internal/share"
	"github.com/keithlinneman/linnemanlabs-docview/internal/xerrors"
)

// Directory resolves a share token to its record. Errors should carry
// an *Error; anything else is treated as KindUnknown.
type Directory interface {
	Lookup(ctx context.Context, shareID string) (share.Record, error)
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncAccessDecision(outcome string)
}

type PolicyOptions struct {
	Logger    log.Logger
	Directory Directory
	Clock     clock.Clock
	Metrics   Metrics
}

type Policy struct {
	dir     Directory
	clock   clock.Clock
	logger  log.Logger
	metrics Metrics
}

func NewPolicy(opts PolicyOptions) *Policy {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Policy{
		dir:     opts.Directory,
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Evaluate runs the access sequence for token against guard.
func (p *Policy) Evaluate(ctx context.Context, token string, guard *ViewGuard) State {
	st := p.evaluate(ctx, strings.TrimSpace(token), guard)
	if p.metrics != nil {
		outcome := Phase(st)
		if k, ok := StateKind(st); ok && outcome == "denied" {
			outcome = k.String()
		}
		p.metrics.IncAccessDecision(outcome)
	}
	return st
}

func (p *Policy) evaluate(ctx context.Context, token string, guard *ViewGuard) State {
	if token == "" {
		return Denied{Err: NewError(KindMissingReference, xerrors.New("share token is empty"))}
	}
	if guard.Consumed() {
		return AlreadyViewed{}
	}

	rec, err := p.dir.Lookup(ctx, token)
	if err != nil {
		kind := KindOf(err)
		switch kind {
		case KindAlreadyViewed:
			return AlreadyViewed{}
		case KindExpired:
			return Expired{}
		}
		var ae *Error
		if !errors.As(err, &ae) {
			ae = NewError(kind, err)
		}
		p.logger.Warn(ctx, "share lookup failed", "kind", kind.String(), "err", err)
		return Denied{Err: ae}
	}

	if rec.Expired(p.clock.Now()) {
		return Expired{}
	}

	if rec.ViewOnce {
		guard.Consume()
	}
	return Ready{Record: rec}
}
