package access

import (
	"sync/atomic"

	"github.com/keithlinneman/linnemanlabs-docview/internal/share"
)

// State is the session's position in the access lifecycle. The set of
// variants is closed: Loading, Ready, Denied, Expired, AlreadyViewed.
type State interface {
	isState()
}

type (
	Loading struct{}

	Ready struct {
		Record share.Record
	}

	Denied struct {
		Err *Error
	}

	Expired struct{}

	AlreadyViewed struct{}
)

func (Loading) isState()       {}
func (Ready) isState()         {}
func (Denied) isState()        {}
func (Expired) isState()       {}
func (AlreadyViewed) isState() {}

// Phase is the stable wire name of s.
func Phase(s State) string {
	switch s.(type) {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Denied:
		return "denied"
	case Expired:
		return "expired"
	case AlreadyViewed:
		return "already_viewed"
	default:
		return "unknown"
	}
}

// StateKind maps s to the error kind it is reported as, or false for
// Loading and Ready.
func StateKind(s State) (Kind, bool) {
	switch st := s.(type) {
	case Denied:
		if st.Err == nil {
			return KindUnknown, true
		}
		return st.Err.Kind, true
	case Expired:
		return KindExpired, true
	case AlreadyViewed:
		return KindAlreadyViewed, true
	}
	return 0, false
}

// ViewGuard is the per-session view-once flag. It starts unconsumed and
// can only ever move to consumed.
type ViewGuard struct {
	consumed atomic.Bool
}

func (g *ViewGuard) Consumed() bool { return g.consumed.Load() }

// Consume marks the guard and reports whether this call was the one
// that flipped it.
func (g *ViewGuard) Consume() bool { return g.consumed.CompareAndSwap(false, true) }

// Retryable reports whether a retry is offered from s. Only
// non-terminal failures retry, and never once a view-once document has
// been shown in this session.
func Retryable(s State, g *ViewGuard) bool {
	d, ok := s.(Denied)
	if !ok {
		return false
	}
	if g != nil && g.Consumed() {
		return false
	}
	if d.Err == nil {
		return true
	}
	return !d.Err.Kind.Terminal()
}
