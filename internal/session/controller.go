// Package session runs viewer sessions.
//
// Each Controller owns one session and mutates it only from its own
// event-loop goroutine. Slow work (the directory lookup and the content
// fetch) runs on worker goroutines whose results are posted back to the
// loop tagged with the generation that started them; results from an
// older generation are dropped. Readers see the session through an
// immutable Snapshot published with an atomic pointer.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-docview/internal/access"
	"github.com/keithlinneman/linnemanlabs-docview/internal/clock"
	"github.com/keithlinneman/linnemanlabs-docview/internal/content"
	"github.com/keithlinneman/linnemanlabs-docview/internal/expiry"
	"github.com/keithlinneman/linnemanlabs-docview/internal/log"
	"github.com/keithlinneman/linnemanlabs-docview/internal/screenguard"
	"github.com/keithlinneman/linnemanlabs-docview/internal/share"
	"github.com/keithlinneman/linnemanlabs-docview/internal/viewer"
)

var (
	ErrClosed       = errors.New("session closed")
	ErrNotRetryable = errors.New("session is not retryable")
	ErrNoViewer     = errors.New("no interactive viewer for this document")
)

const inboxSize = 64

// Evaluator is satisfied by *access.Policy.
type Evaluator interface {
	Evaluate(ctx context.Context, token string, guard *access.ViewGuard) access.State
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	expiry.Metrics
	screenguard.Metrics
}

type Options struct {
	Logger  log.Logger
	Clock   clock.Clock
	Policy  Evaluator
	Fetcher content.Fetcher
	Metrics Metrics

	ExpiryPollInterval time.Duration
	GuardIntervals     screenguard.Intervals

	// ContinuousPages derives the current page of paged documents from
	// page visibility instead of showing one page at a time.
	ContinuousPages bool
}

// Controller is one viewer session. Its methods are safe for concurrent
// use; they hand work to the session's loop.
type Controller struct {
	id     string
	token  string
	logger log.Logger
	clk    clock.Clock
	opts   Options
	guard  *access.ViewGuard

	ctx    context.Context
	cancel context.CancelFunc

	inbox     chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	snap       atomic.Pointer[Snapshot]
	lastActive atomic.Int64

	changedMu sync.Mutex
	changed   chan struct{}

	// owned by the loop goroutine
	gen        uint64
	state      access.State
	doc        *content.Document
	category   content.Category
	engine     viewer.Engine
	sguard     *screenguard.Guard
	monitor    *expiry.Monitor
	countdown  *expiry.Countdown
	remaining  *expiry.Remaining
	fetching   bool
	workCtx    context.Context
	workCancel context.CancelFunc
}

// NewController starts the session loop. ctx supplies values such as the
// request origin and logger; its cancellation is ignored. Call Load to
// begin evaluation and Close to release the session.
func NewController(ctx context.Context, id, token string, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	logger := opts.Logger.With("session_id", id)
	c := &Controller{
		id:      id,
		token:   token,
		logger:  logger,
		clk:     opts.Clock,
		opts:    opts,
		guard:   &access.ViewGuard{},
		ctx:     log.WithContext(base, logger),
		cancel:  cancel,
		inbox:   make(chan func(), inboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		changed: make(chan struct{}),
		state:   access.Loading{},
	}
	c.touch()
	c.publish()
	go c.loop()
	return c
}

func (c *Controller) ID() string { return c.id }

// Snapshot returns the latest published state. Never nil.
func (c *Controller) Snapshot() *Snapshot { return c.snap.Load() }

// LastActive is the last time a caller used the session.
func (c *Controller) LastActive() time.Time { return time.Unix(0, c.lastActive.Load()) }

func (c *Controller) touch() { c.lastActive.Store(c.clk.Now().UnixNano()) }

func (c *Controller) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			c.release()
			c.cancel()
			c.logger.Debug(c.ctx, "session loop stopped")
			return
		case f := <-c.inbox:
			c.run(f)
		}
	}
}

func (c *Controller) run(f func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(c.ctx, fmt.Errorf("panic: %v", r), "session loop recovered panic")
		}
	}()
	f()
}

// post blocks until the loop accepts f or the session ends. Worker
// goroutines use it.
func (c *Controller) post(f func()) {
	select {
	case c.inbox <- f:
	case <-c.done:
	}
}

// enqueue never blocks. Timer callbacks use it because they run with
// their owner's lock held.
func (c *Controller) enqueue(f func()) {
	select {
	case c.inbox <- f:
	default:
		go c.post(f)
	}
}

// call runs fn on the loop and waits for it.
func (c *Controller) call(ctx context.Context, fn func()) error {
	c.touch()
	ran := make(chan struct{})
	select {
	case c.inbox <- func() { defer close(ran); fn() }:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load starts a fresh evaluation, superseding any in flight.
func (c *Controller) Load(ctx context.Context) error {
	return c.call(ctx, c.start)
}

// Retry re-runs the whole access sequence. Only offered from
// non-terminal failures.
func (c *Controller) Retry(ctx context.Context) error {
	var err error
	if cerr := c.call(ctx, func() {
		if !access.Retryable(c.state, c.guard) {
			err = ErrNotRetryable
			return
		}
		c.logger.Info(c.ctx, "session retry", "from", access.Phase(c.state))
		c.start()
	}); cerr != nil {
		return cerr
	}
	return err
}

// Dispatch hands a renderer event to the active viewer engine.
func (c *Controller) Dispatch(ctx context.Context, ev viewer.Event) (*Snapshot, error) {
	var err error
	if cerr := c.call(ctx, func() {
		if c.engine == nil {
			err = ErrNoViewer
			return
		}
		if c.engine.Handle(ev) {
			c.publish()
		}
	}); cerr != nil {
		return nil, cerr
	}
	return c.Snapshot(), err
}

// Guard reports a screen-guard signal. Without an active guard only the
// context menu is affected, and only when the share forbids downloads.
func (c *Controller) Guard(ctx context.Context, in screenguard.Input) (screenguard.Response, error) {
	var resp screenguard.Response
	err := c.call(ctx, func() {
		if c.sguard != nil {
			resp = c.sguard.Observe(c.ctx, in)
			if resp.Blank {
				c.publish()
			}
			return
		}
		if r, ok := c.state.(access.Ready); ok && r.Record.NoDownload && in.Signal == screenguard.SignalContextMenu {
			resp.Prevent = true
		}
	})
	return resp, err
}

// Await blocks until the session settles or ctx ends, and returns the
// latest snapshot either way.
func (c *Controller) Await(ctx context.Context) (*Snapshot, error) {
	for {
		c.changedMu.Lock()
		ch := c.changed
		c.changedMu.Unlock()

		s := c.Snapshot()
		if s.Settled() {
			return s, nil
		}
		select {
		case <-ch:
		case <-c.done:
			return c.Snapshot(), ErrClosed
		case <-ctx.Done():
			return c.Snapshot(), ctx.Err()
		}
	}
}

// Close stops every watcher and the loop. No session callback runs after
// Close returns.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
}

// Done is closed once the session has been closed.
func (c *Controller) Done() <-chan struct{} { return c.done }

// start begins a new generation. Loop only.
func (c *Controller) start() {
	c.release()
	c.gen++
	gen := c.gen
	c.state = access.Loading{}
	c.publish()

	ctx, cancel := context.WithCancel(c.ctx)
	c.workCtx, c.workCancel = ctx, cancel
	go func() {
		st := c.evaluate(ctx)
		c.post(func() { c.evaluated(gen, st) })
	}()
}

func (c *Controller) evaluate(ctx context.Context) (st access.State) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			c.logger.Error(ctx, err, "access evaluation panicked")
			st = access.Denied{Err: access.NewError(access.KindUnknown, err)}
		}
	}()
	return c.opts.Policy.Evaluate(ctx, c.token, c.guard)
}

func (c *Controller) fetch(ctx context.Context, url string) (doc *content.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			c.logger.Error(ctx, err, "content fetch panicked")
		}
	}()
	return c.opts.Fetcher.Fetch(ctx, url)
}

func (c *Controller) current(gen uint64, what string) bool {
	if gen == c.gen {
		return true
	}
	c.logger.Debug(c.ctx, "dropping stale completion", "what", what, "generation", gen, "current", c.gen)
	return false
}

func (c *Controller) evaluated(gen uint64, st access.State) {
	if !c.current(gen, "evaluation") {
		return
	}
	c.state = st

	ready, ok := st.(access.Ready)
	if !ok {
		c.logger.Info(c.ctx, "session access decided", "phase", access.Phase(st))
		c.publish()
		return
	}

	rec := ready.Record
	c.logger.Info(c.ctx, "session access granted",
		"share_id", rec.ShareID,
		"view_once", rec.ViewOnce,
		"expires", rec.Expiry != nil,
	)
	c.startWatchers(gen, rec)
	c.fetching = true
	c.publish()

	ctx := c.workCtx
	url := rec.ContentURL
	go func() {
		doc, err := c.fetch(ctx, url)
		c.post(func() { c.fetched(gen, url, doc, err) })
	}()
}

func (c *Controller) fetched(gen uint64, url string, doc *content.Document, err error) {
	if !c.current(gen, "content") {
		return
	}
	ready, ok := c.state.(access.Ready)
	if !ok || ready.Record.ContentURL != url {
		c.logger.Debug(c.ctx, "dropping content for inactive record")
		return
	}
	c.fetching = false

	if err != nil {
		var ae *access.Error
		if !errors.As(err, &ae) {
			ae = access.NewError(access.KindContentUnavailable, err)
		}
		c.logger.Warn(c.ctx, "session content unavailable", "err", err)
		c.release()
		c.state = access.Denied{Err: ae}
		c.publish()
		return
	}

	c.doc = doc
	c.category = content.Classify(url, doc.MediaType)
	c.engine = newEngine(c.category, c.opts.ContinuousPages)
	c.publish()
}

func newEngine(cat content.Category, continuous bool) viewer.Engine {
	switch cat {
	case content.Image:
		return viewer.NewImageEngine()
	case content.PagedDocument:
		return viewer.NewPagedEngine(viewer.PagedOptions{Continuous: continuous})
	case content.Tabular, content.PlainText, content.Unsupported:
		return nil
	}
	return nil
}

func (c *Controller) startWatchers(gen uint64, rec share.Record) {
	if rec.Expiry != nil {
		c.monitor = expiry.StartMonitor(c.ctx, expiry.MonitorOptions{
			Logger:   c.logger,
			Clock:    c.clk,
			Metrics:  c.opts.Metrics,
			Expiry:   *rec.Expiry,
			Interval: c.opts.ExpiryPollInterval,
			OnExpired: func() {
				c.enqueue(func() { c.expired(gen) })
			},
		})
		c.countdown = expiry.StartCountdown(c.ctx, expiry.CountdownOptions{
			Logger: c.logger,
			Clock:  c.clk,
			Expiry: *rec.Expiry,
			OnTick: func(r expiry.Remaining) {
				c.enqueue(func() {
					if gen == c.gen && c.countdown != nil {
						c.remaining = &r
						c.publish()
					}
				})
			},
		})
	}
	if rec.NoScreenshots {
		c.sguard = screenguard.New(screenguard.Options{
			Logger:    c.logger,
			Clock:     c.clk,
			Intervals: c.opts.GuardIntervals,
			Metrics:   c.opts.Metrics,
			OnChange: func(bool) {
				c.enqueue(func() {
					if gen == c.gen {
						c.publish()
					}
				})
			},
		})
	}
}

func (c *Controller) expired(gen uint64) {
	if !c.current(gen, "expiry") {
		return
	}
	if _, ok := c.state.(access.Ready); !ok {
		return
	}
	c.logger.Info(c.ctx, "session expired while open")
	c.release()
	c.state = access.Expired{}
	c.publish()
}

// release tears down everything tied to the current Ready state. Loop only.
func (c *Controller) release() {
	if c.workCancel != nil {
		c.workCancel()
		c.workCtx, c.workCancel = nil, nil
	}
	if c.monitor != nil {
		c.monitor.Stop()
		c.monitor = nil
	}
	if c.countdown != nil {
		c.countdown.Stop()
		c.countdown = nil
	}
	if c.sguard != nil {
		c.sguard.Close()
		c.sguard = nil
	}
	c.remaining = nil
	c.doc = nil
	c.engine = nil
	c.category = content.Unsupported
	c.fetching = false
}

// publish builds and stores a new Snapshot. Loop only, except for the
// initial publish in NewController.
func (c *Controller) publish() {
	s := &Snapshot{
		ID:         c.id,
		Generation: c.gen,
		Phase:      access.Phase(c.state),
		UpdatedAt:  c.clk.Now().UTC(),
		Retryable:  access.Retryable(c.state, c.guard),
	}

	if kind, ok := access.StateKind(c.state); ok {
		s.Error = &ErrorView{Kind: kind.String(), Message: kind.Message()}
	}

	if ready, ok := c.state.(access.Ready); ok {
		rec := ready.Record
		md := share.Describe(rec)
		s.Metadata = &md
		s.ContentLoading = c.fetching
		s.ScreenGuard = c.sguard != nil
		s.Blanked = c.sguard != nil && c.sguard.Blanked()
		if c.remaining != nil {
			s.Countdown = &CountdownView{Display: expiry.Format(*c.remaining), Remaining: *c.remaining}
		}
		if c.doc != nil {
			s.doc = c.doc
			s.category = c.category
			s.Category = c.category.String()
			s.MediaType = c.doc.MediaType
			s.Download = content.DownloadAllowed(c.category, rec)
		}
		if c.engine != nil {
			v := c.engine.View()
			s.View = &v
		}
	}

	c.snap.Store(s)

	c.changedMu.Lock()
	close(c.changed)
	c.changed = make(chan struct{})
	c.changedMu.Unlock()
}
