package expiry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-docview/internal/clock"
	"github.com/keithlinneman/linnemanlabs-docview/internal/log"
)

// Remaining is the time left until expiry, split for display.
type Remaining struct {
	Days    int           `json:"days"`
	Hours   int           `json:"hours"`
	Minutes int           `json:"minutes"`
	Seconds int           `json:"seconds"`
	Total   time.Duration `json:"-"`
	Expired bool          `json:"expired"`
}

// Until computes the Remaining from now to expiry, truncated to seconds.
func Until(expiry, now time.Time) Remaining {
	d := expiry.Sub(now)
	if d <= 0 {
		return Remaining{Expired: true}
	}
	s := int(d / time.Second)
	return Remaining{
		Days:    s / 86400,
		Hours:   s % 86400 / 3600,
		Minutes: s % 3600 / 60,
		Seconds: s % 60,
		Total:   d,
	}
}

// Format renders "2d 03:04:05", "03:04:05", or "EXPIRED".
func Format(r Remaining) string {
	if r.Expired {
		return "EXPIRED"
	}
	if r.Days > 0 {
		return fmt.Sprintf("%dd %02d:%02d:%02d", r.Days, r.Hours, r.Minutes, r.Seconds)
	}
	return fmt.Sprintf("%02d:%02d:%02d", r.Hours, r.Minutes, r.Seconds)
}

type CountdownOptions struct {
	Logger log.Logger
	Clock  clock.Clock
	Expiry time.Time

	// OnTick receives the first value synchronously from StartCountdown,
	// then one per second. Same locking rules as MonitorOptions.OnExpired.
	OnTick func(Remaining)
}

// Countdown ticks once per second until the expiry passes or Stop.
type Countdown struct {
	logger log.Logger
	clk    clock.Clock
	expiry time.Time
	onTick func(Remaining)

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
}

func StartCountdown(ctx context.Context, opts CountdownOptions) *Countdown {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Countdown{
		logger: opts.Logger,
		clk:    opts.Clock,
		expiry: opts.Expiry,
		onTick: opts.OnTick,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if c.tick() {
		cancel()
		close(c.done)
		return c
	}
	ticker := opts.Clock.NewTicker(CountdownInterval)
	go c.run(ctx, ticker)
	return c
}

func (c *Countdown) run(ctx context.Context, ticker *clock.Ticker) {
	defer close(c.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.tick() {
				return
			}
		}
	}
}

// tick publishes the current Remaining and reports whether the countdown
// has finished.
func (c *Countdown) tick() (done bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(context.Background(), fmt.Errorf("panic: %v", r), "countdown tick panicked")
			done = true
		}
	}()

	rem := Until(c.expiry, c.clk.Now())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return true
	}
	if c.onTick != nil {
		c.onTick(rem)
	}
	return rem.Expired
}

// Stop is idempotent. OnTick never runs after Stop returns.
func (c *Countdown) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.cancel()
}

// Done is closed once the countdown has finished.
func (c *Countdown) Done() <-chan struct{} { return c.done }
