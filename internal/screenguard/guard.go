// Package screenguard blanks shared content for a moment when the viewer
// sees signals that usually precede a screen capture.
//
// It is a deterrent only. Nothing here can stop a determined user from
// capturing the screen.
package screenguard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-docview/internal/clock"
	"github.com/keithlinneman/linnemanlabs-docview/internal/log"
)

// Signal is a renderer observation reported to the guard.
type Signal string

const (
	SignalBlur          Signal = "blur"
	SignalHidden        Signal = "hidden"
	SignalPointerLeave  Signal = "pointer_leave"
	SignalScreenshotKey Signal = "screenshot_key"
	SignalDevTools      Signal = "devtools"
	SignalContextMenu   Signal = "context_menu"

	// SignalKey carries a raw key press; the guard classifies it.
	SignalKey Signal = "key"
)

// Input is one observation. Key and modifiers are read for SignalKey only.
type Input struct {
	Signal Signal `json:"signal"`
	Key    string `json:"key,omitempty"`
	Ctrl   bool   `json:"ctrl,omitempty"`
	Meta   bool   `json:"meta,omitempty"`
	Shift  bool   `json:"shift,omitempty"`
	Alt    bool   `json:"alt,omitempty"`
}

// Response tells the renderer what to do with the triggering event.
type Response struct {
	Blank   bool  `json:"blank"`
	Prevent bool  `json:"prevent"`
	BlankMS int64 `json:"blank_ms,omitempty"`
}

// Intervals is how long content stays blank per signal.
type Intervals struct {
	Blur         time.Duration
	Hidden       time.Duration
	PointerLeave time.Duration
	Screenshot   time.Duration
	DevTools     time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{
		Blur:         300 * time.Millisecond,
		Hidden:       500 * time.Millisecond,
		PointerLeave: 100 * time.Millisecond,
		Screenshot:   500 * time.Millisecond,
		DevTools:     500 * time.Millisecond,
	}
}

func (iv Intervals) forSignal(s Signal) time.Duration {
	switch s {
	case SignalBlur:
		return iv.Blur
	case SignalHidden:
		return iv.Hidden
	case SignalPointerLeave:
		return iv.PointerLeave
	case SignalScreenshotKey:
		return iv.Screenshot
	case SignalDevTools:
		return iv.DevTools
	}
	return 0
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncGuardBlank(signal string)
}

type Options struct {
	Logger    log.Logger
	Clock     clock.Clock
	Intervals Intervals
	Metrics   Metrics

	// OnChange is called when content becomes blanked or visible again.
	// It runs with the guard locked, possibly on a timer goroutine, and
	// must not call back into the guard.
	OnChange func(blanked bool)
}

// Guard is safe for concurrent use.
type Guard struct {
	logger   log.Logger
	clk      clock.Clock
	iv       Intervals
	metrics  Metrics
	onChange func(bool)

	mu         sync.Mutex
	blankUntil time.Time
	timer      *clock.Timer
	closed     bool
}

func New(opts Options) *Guard {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Intervals == (Intervals{}) {
		opts.Intervals = DefaultIntervals()
	}
	return &Guard{
		logger:   opts.Logger,
		clk:      opts.Clock,
		iv:       opts.Intervals,
		metrics:  opts.Metrics,
		onChange: opts.OnChange,
	}
}

// Classify maps a key press to SignalScreenshotKey, SignalDevTools, or ""
// when the press is neither.
func Classify(in Input) Signal {
	k := in.Key
	if len(k) == 1 {
		k = strings.ToUpper(k)
	}
	switch {
	case k == "PrintScreen":
		return SignalScreenshotKey
	case in.Meta && in.Shift && (k == "3" || k == "4" || k == "5" || k == "S"):
		return SignalScreenshotKey
	case in.Ctrl && in.Shift && k == "S":
		return SignalScreenshotKey
	case k == "F12":
		return SignalDevTools
	case in.Ctrl && in.Shift && (k == "I" || k == "J" || k == "C"):
		return SignalDevTools
	case in.Meta && in.Alt && (k == "I" || k == "J" || k == "C"):
		return SignalDevTools
	}
	return ""
}

// Observe applies in. A panic inside the guard degrades to an empty
// response.
func (g *Guard) Observe(ctx context.Context, in Input) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error(ctx, fmt.Errorf("panic: %v", r), "screen guard observe panicked", "signal", string(in.Signal))
			resp = Response{}
		}
	}()

	sig := in.Signal
	if sig == SignalKey {
		sig = Classify(in)
	}

	switch sig {
	case "":
		return Response{}
	case SignalContextMenu:
		return Response{Prevent: true}
	}

	d := g.iv.forSignal(sig)
	if d <= 0 {
		return Response{}
	}
	if !g.blank(d) {
		return Response{}
	}
	if g.metrics != nil {
		g.metrics.IncGuardBlank(string(sig))
	}
	return Response{Blank: true, Prevent: sig == SignalDevTools, BlankMS: d.Milliseconds()}
}

// blank extends the blank window to at least now+d. It reports false once
// the guard is closed.
func (g *Guard) blank(d time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	until := g.clk.Now().Add(d)
	wasBlank := g.timer != nil
	if until.After(g.blankUntil) {
		g.blankUntil = until
		if g.timer != nil {
			g.timer.Stop()
		}
		g.timer = g.clk.AfterFunc(d, g.unblank)
	}
	if !wasBlank {
		g.notify(true)
	}
	return true
}

func (g *Guard) unblank() {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error(context.Background(), fmt.Errorf("panic: %v", r), "screen guard unblank panicked")
		}
	}()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.timer == nil || g.clk.Now().Before(g.blankUntil) {
		return
	}
	g.timer = nil
	g.notify(false)
}

func (g *Guard) notify(blanked bool) {
	if g.onChange != nil {
		g.onChange(blanked)
	}
}

// Blanked reports whether content is currently withheld.
func (g *Guard) Blanked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.closed && g.timer != nil
}

// Close cancels the pending unblank. No callback runs after Close returns.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
