package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-docview/internal/clock"
	"github.com/keithlinneman/linnemanlabs-docview/internal/log"
)

const DefaultIdleTTL = 30 * time.Minute

var (
	ErrNotFound        = errors.New("session not found")
	ErrTooManySessions = errors.New("too many open sessions")
	ErrShuttingDown    = errors.New("session manager is shutting down")
)

// ManagerMetrics is implemented by the metrics package.
type ManagerMetrics interface {
	SetActiveSessions(n int)
}

type ManagerOptions struct {
	Logger  log.Logger
	Clock   clock.Clock
	Session Options
	Metrics ManagerMetrics

	// IdleTTL closes sessions nobody has touched for this long.
	IdleTTL time.Duration

	// MaxSessions caps open sessions. Zero means no cap.
	MaxSessions int
}

// Manager is the registry of open sessions.
type Manager struct {
	logger  log.Logger
	clk     clock.Clock
	opts    ManagerOptions
	metrics ManagerMetrics

	mu       sync.Mutex
	sessions map[string]*Controller
	closed   bool
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = opts.Logger
	}
	if opts.Session.Clock == nil {
		opts.Session.Clock = opts.Clock
	}
	return &Manager{
		logger:   opts.Logger,
		clk:      opts.Clock,
		opts:     opts,
		metrics:  opts.Metrics,
		sessions: make(map[string]*Controller),
	}
}

// Open creates a session for token, each with its own view guard, and
// starts evaluating it.
func (m *Manager) Open(ctx context.Context, token string) (*Controller, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if m.opts.MaxSessions > 0 && len(m.sessions) >= m.opts.MaxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	id := uuid.NewString()
	c := NewController(ctx, id, token, m.opts.Session)
	m.sessions[id] = c
	n := len(m.sessions)
	m.mu.Unlock()

	m.observe(n)
	m.logger.Info(ctx, "session opened", "session_id", id)

	if err := c.Load(ctx); err != nil {
		m.Remove(id)
		return nil, err
	}
	return c, nil
}

func (m *Manager) Get(id string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[id]
	return c, ok
}

// Remove closes and forgets a session.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	c, ok := m.sessions[id]
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return false
	}
	c.Close()
	m.observe(n)
	return true
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep closes idle sessions and returns how many it closed.
func (m *Manager) Sweep(ctx context.Context) int {
	cutoff := m.clk.Now().Add(-m.opts.IdleTTL)

	m.mu.Lock()
	var idle []*Controller
	for id, c := range m.sessions {
		if c.LastActive().Before(cutoff) {
			idle = append(idle, c)
			delete(m.sessions, id)
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()

	for _, c := range idle {
		c.Close()
		m.logger.Debug(ctx, "idle session closed", "session_id", c.ID())
	}
	if len(idle) > 0 {
		m.observe(n)
	}
	return len(idle)
}

// Run sweeps idle sessions until ctx is cancelled.
// Intended to be launched as: go manager.Run(ctx)
func (m *Manager) Run(ctx context.Context) error {
	interval := m.opts.IdleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := m.clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := m.Sweep(ctx); n > 0 {
				m.logger.Info(ctx, "idle sessions closed", "count", n)
			}
		}
	}
}

// CloseAll closes every session and refuses new ones.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	all := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		all = append(all, c)
	}
	m.sessions = make(map[string]*Controller)
	m.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	m.observe(0)
	m.logger.Info(ctx, "all sessions closed", "count", len(all))
}

// Check fails once the manager has been shut down.
func (m *Manager) Check(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrShuttingDown
	}
	return nil
}

func (m *Manager) observe(n int) {
	if m.metrics != nil {
		m.metrics.SetActiveSessions(n)
	}
}
