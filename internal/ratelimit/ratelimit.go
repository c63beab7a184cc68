package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-docview/internal/clock"
	"github.com/keithlinneman/linnemanlabs-docview/internal/httpmw"
)

const (
	defaultPerSecond   = 1
	defaultBurst       = 10
	defaultTTL         = 5 * time.Minute
	defaultMaxVisitors = 100000
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// set on first denial, cleared by eviction
	logged bool
}

// IPLimiter holds one token bucket per client IP. Idle buckets are
// evicted after ttl.
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	atCap    bool

	perSecond   rate.Limit
	burst       int
	ttl         time.Duration
	maxVisitors int
	clk         clock.Clock

	onFirstDenied func(ip string)
	onDenied      func(ip string)
	onCapacity    func()
}

type Option func(*IPLimiter)

// WithRate sets the refill rate and bucket size. WithRate(1, 10) allows
// ten session opens at once, then one per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) { l.ttl = d }
}

// WithMaxVisitors caps tracked IPs. New IPs are rejected while the map is
// full; zero means unlimited.
func WithMaxVisitors(n int) Option {
	return func(l *IPLimiter) { l.maxVisitors = n }
}

func WithClock(c clock.Clock) Option {
	return func(l *IPLimiter) { l.clk = c }
}

// WithOnFirstDenied fires once per visitor lifetime, for logging.
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.onFirstDenied = fn }
}

// WithOnDenied fires on every rejection, for counting.
func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.onDenied = fn }
}

// WithOnCapacity fires when the visitor cap is first hit. It re-arms once
// eviction frees space.
func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) { l.onCapacity = fn }
}

// New builds a limiter and starts eviction, which stops with ctx.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		visitors:    make(map[string]*visitor),
		perSecond:   defaultPerSecond,
		burst:       defaultBurst,
		ttl:         defaultTTL,
		maxVisitors: defaultMaxVisitors,
		clk:         clock.Real(),
	}
	for _, o := range opts {
		o(l)
	}
	if l.ttl <= 0 {
		l.ttl = defaultTTL
	}
	go l.cleanup(ctx)
	return l
}

// allow reports whether ip may proceed. Hooks run without the lock held.
func (l *IPLimiter) allow(ip string) bool {
	now := l.clk.Now()

	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			first := !l.atCap
			l.atCap = true
			l.mu.Unlock()
			if first && l.onCapacity != nil {
				l.onCapacity()
			}
			if l.onDenied != nil {
				l.onDenied(ip)
			}
			return false
		}
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	allowed := v.limiter.AllowN(now, 1)
	firstDenial := !allowed && !v.logged
	if firstDenial {
		v.logged = true
	}
	l.mu.Unlock()

	if allowed {
		return true
	}
	if firstDenial && l.onFirstDenied != nil {
		l.onFirstDenied(ip)
	}
	if l.onDenied != nil {
		l.onDenied(ip)
	}
	return false
}

func (l *IPLimiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, ip)
		}
	}
	if l.maxVisitors <= 0 || len(l.visitors) < l.maxVisitors {
		l.atCap = false
	}
}

// cleanup runs every ttl/2 so idle entries live at most 1.5x ttl.
func (l *IPLimiter) cleanup(ctx context.Context) {
	ticker := l.clk.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict(l.clk.Now())
		}
	}
}

func (l *IPLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// Middleware rejects over-limit requests with 429 and a JSON body shaped
// like the viewer API's errors.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httpmw.ClientIPFromContext(r.Context())
		if ip == "" {
			ip = "unknown"
		}
		if !l.allow(ip) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			// no detail about limits or refill timing
			_, _ = w.Write([]byte(`{"error":"too many requests"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
