// Package expiry watches a share's expiry instant while a session shows it.
//
// The directory is authoritative for expiry. The monitor only makes an
// idle session collapse to the expired view without user interaction.
package expiry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-docview/internal/clock"
	"github.com/keithlinneman/linnemanlabs-docview/internal/log"
	"github.com/keithlinneman/linnemanlabs-docview/internal/share"
)

const (
	// DefaultPollInterval is how often the monitor re-checks the expiry.
	DefaultPollInterval = 60 * time.Second

	// CountdownInterval is the countdown display cadence.
	CountdownInterval = time.Second
)

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncExpiryPoll()
	IncExpiration()
}

type MonitorOptions struct {
	Logger   log.Logger
	Clock    clock.Clock
	Metrics  Metrics
	Expiry   time.Time
	Interval time.Duration

	// OnExpired runs once, on the monitor goroutine, with the monitor's
	// lock held. It must not block and must not call Stop.
	OnExpired func()
}

// Monitor is a scoped handle; Stop releases it.
type Monitor struct {
	logger    log.Logger
	clk       clock.Clock
	metrics   Metrics
	expiry    time.Time
	onExpired func()

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
}

// StartMonitor polls until the expiry passes, ctx ends, or Stop is called.
func StartMonitor(ctx context.Context, opts MonitorOptions) *Monitor {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		logger:    opts.Logger,
		clk:       opts.Clock,
		metrics:   opts.Metrics,
		expiry:    opts.Expiry,
		onExpired: opts.OnExpired,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	ticker := opts.Clock.NewTicker(opts.Interval)
	go m.run(ctx, ticker)
	return m
}

func (m *Monitor) run(ctx context.Context, ticker *clock.Ticker) {
	defer close(m.done)
	defer ticker.Stop()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error(ctx, fmt.Errorf("panic: %v", r), "expiry monitor panicked")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.poll(ctx) {
				return
			}
		}
	}
}

// poll reports whether the monitor is finished.
func (m *Monitor) poll(ctx context.Context) bool {
	if m.metrics != nil {
		m.metrics.IncExpiryPoll()
	}
	now := m.clk.Now()
	if !share.IsExpired(&m.expiry, now) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return true
	}
	m.stopped = true

	m.logger.Info(ctx, "share expired while open", "expiry", m.expiry, "now", now)
	if m.metrics != nil {
		m.metrics.IncExpiration()
	}
	if m.onExpired != nil {
		m.onExpired()
	}
	return true
}

// Stop is idempotent. OnExpired never runs after Stop returns.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.cancel()
}

// Done is closed when the poll goroutine exits.
func (m *Monitor) Done() <-chan struct{} { return m.done }
