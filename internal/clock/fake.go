package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. Safe for concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order, so a callback must not call Advance itself.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time // tickers
	fn       func()         // AfterFunc
	interval time.Duration
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock frozen at initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	w := &waiter{deadline: c.now.Add(d), fn: f}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		return true
	}}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &waiter{deadline: c.now.Add(d), ch: ch, interval: d}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.stopped = true
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.interval = d
			w.deadline = c.now.Add(d)
			w.stopped = false
			for _, x := range c.waiters {
				if x == w {
					return
				}
			}
			c.waiters = append(c.waiters, w)
			c.changed.Broadcast()
		},
	}
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline falls inside the window. A ticker spanning several
// intervals fires once per interval; overflowing ticks are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.collect(target)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			if w.fn != nil {
				w.fn()
				continue
			}
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

func (c *FakeClock) collect(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*waiter
	for _, w := range c.waiters {
		switch {
		case w.stopped:
		case !w.deadline.After(target):
			due = append(due, w)
		default:
			keep = append(keep, w)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, w := range due {
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			keep = append(keep, w)
		} else {
			w.fired = true
		}
	}
	c.waiters = keep
	return due
}

// WaitForTimers blocks until at least n waiters are pending. Use it to
// close the race between a goroutine registering a timer and the test
// advancing the clock.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// Pending returns the number of active waiters.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	n := 0
	for _, w := range c.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}
