// Package clock abstracts wall time and timers so session timers
// (expiry polling, the countdown, screen-guard unblank delays) can be
// driven deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package used by viewer sessions.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine (Real) or synchronously
	// during Advance (Fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker panics if d <= 0, like time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C. C has capacity 1; ticks are dropped when
// the reader falls behind.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

func (t *Ticker) Stop() { t.stop() }
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// Timer is a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop reports whether the call was prevented from firing.
func (t *Timer) Stop() bool { return t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop, reset: t.Reset}
}
