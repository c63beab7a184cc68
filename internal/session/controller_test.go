package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keithlinneman/linnemanlabs-docview/internal/access"
	"github.com/keithlinneman/linnemanlabs-docview/internal/clock"
	"github.com/keithlinneman/linnemanlabs-docview/internal/content"
	"github.com/keithlinneman/linnemanlabs-docview/internal/screenguard"
	"github.com/keithlinneman/linnemanlabs-docview/internal/share"
	"github.com/keithlinneman/linnemanlabs-docview/internal/viewer"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeDirectory struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, id string) (share.Record, error)
}

func (d *fakeDirectory) Lookup(_ context.Context, id string) (share.Record, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()
	return d.fn(n, id)
}

func (d *fakeDirectory) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func recordDirectory(r share.Record) *fakeDirectory {
	return &fakeDirectory{fn: func(int, string) (share.Record, error) { return r, nil }}
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int, url string) (*content.Document, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*content.Document, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(ctx, n, url)
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func okFetcher(mediaType string) *fakeFetcher {
	return &fakeFetcher{fn: func(_ context.Context, _ int, url string) (*content.Document, error) {
		return &content.Document{URL: url, MediaType: mediaType, Data: []byte("bytes")}, nil
	}}
}

type harness struct {
	clk *clock.FakeClock
	dir *fakeDirectory
	f   *fakeFetcher
	c   *Controller
}

func newHarness(t *testing.T, token string, dir *fakeDirectory, f *fakeFetcher) *harness {
	t.Helper()
	clk := clock.Fake(t0)
	c := NewController(t.Context(), "sess-1", token, Options{
		Clock:   clk,
		Policy:  access.NewPolicy(access.PolicyOptions{Directory: dir, Clock: clk}),
		Fetcher: f,
	})
	t.Cleanup(c.Close)
	return &harness{clk: clk, dir: dir, f: f, c: c}
}

func (h *harness) load(t *testing.T) *Snapshot {
	t.Helper()
	require.NoError(t, h.c.Load(t.Context()))
	return h.await(t)
}

func (h *harness) await(t *testing.T) *Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	s, err := h.c.Await(ctx)
	require.NoError(t, err)
	return s
}

func TestController_InitialSnapshotIsLoading(t *testing.T) {
	h := newHarness(t, "tok", recordDirectory(share.Record{ContentURL: "https://x/a.png"}), okFetcher(""))
	s := h.c.Snapshot()
	require.NotNil(t, s)
	assert.Equal(t, "loading", s.Phase)
	assert.False(t, s.Settled())
}

func TestController_ReadyImage(t *testing.T) {
	h := newHarness(t, "tok", recordDirectory(share.Record{
		ShareID:      "tok",
		DocumentName: "scan.png",
		ContentURL:   "https://cdn.example/scan.png",
		SharedBy:     "ops",
	}), okFetcher("image/png"))

	s := h.load(t)
	assert.Equal(t, "ready", s.Phase)
	assert.Nil(t, s.Error)
	assert.False(t, s.Retryable)
	assert.Equal(t, "image", s.Category)
	assert.False(t, s.Download)
	require.NotNil(t, s.Metadata)
	assert.Equal(t, "scan", s.Metadata.Title)
	assert.Equal(t, "ops", s.Metadata.SharedBy)
	require.NotNil(t, s.Document())
	assert.Equal(t, "bytes", string(s.Document().Data))
	require.NotNil(t, s.View)
	assert.Equal(t, viewer.StatusLoading, s.View.Status)

	s, err := h.c.Dispatch(t.Context(), viewer.Event{Type: viewer.EventImageLoaded})
	require.NoError(t, err)
	assert.Equal(t, viewer.StatusReady, s.View.Status)

	s, err = h.c.Dispatch(t.Context(), viewer.Event{Type: viewer.EventAction, Action: viewer.ActionZoomIn})
	require.NoError(t, err)
	assert.Equal(t, "120%", s.View.ZoomLabel)
}

func TestController_UnsupportedOffersDownloadButNoViewer(t *testing.T) {
	h := newHarness(t, "tok", recordDirectory(share.Record{ContentURL: "https://x/a.zip"}), okFetcher("application/zip"))
	s := h.load(t)
	assert.Equal(t, "unsupported", s.Category)
	assert.True(t, s.Download)
	assert.Nil(t, s.View)

	_, err := h.c.Dispatch(t.Context(), viewer.Event{Type: viewer.EventWheel})
	assert.ErrorIs(t, err, ErrNoViewer)
}

func TestController_ViewOnceSecondLoadIsAlreadyViewed(t *testing.T) {
	dir := recordDirectory(share.Record{ContentURL: "https://x/a.pdf", ViewOnce: true})
	h := newHarness(t, "tok", dir, okFetcher(""))

	s := h.load(t)
	require.Equal(t, "ready", s.Phase)
	assert.Equal(t, "View Once", s.Metadata.AccessType)

	s = h.load(t)
	assert.Equal(t, "already_viewed", s.Phase)
	assert.Equal(t, access.KindAlreadyViewed.String(), s.Error.Kind)
	assert.False(t, s.Retryable)
	assert.Nil(t, s.Document())
	assert.Equal(t, 1, dir.Calls())

	assert.ErrorIs(t, h.c.Retry(t.Context()), ErrNotRetryable)
}

func TestController_ExpiredRecordSkipsFetch(t *testing.T) {
	past := t0.Add(-time.Hour)
	f := okFetcher("")
	h := newHarness(t, "tok", recordDirectory(share.Record{ContentURL: "https://x/a.pdf", Expiry: &past}), f)

	s := h.load(t)
	assert.Equal(t, "expired", s.Phase)
	assert.Equal(t, "This document has expired and is no longer available.", s.Error.Message)
	assert.False(t, s.Retryable)
	assert.Nil(t, s.Metadata)
	assert.Zero(t, f.Calls())
}

func TestController_MissingToken(t *testing.T) {
	dir := recordDirectory(share.Record{})
	h := newHarness(t, "  ", dir, okFetcher(""))

	s := h.load(t)
	assert.Equal(t, "denied", s.Phase)
	assert.Equal(t, "missing_reference", s.Error.Kind)
	assert.False(t, s.Retryable)
	assert.Zero(t, dir.Calls())
}

func TestController_RetryAfterTimeout(t *testing.T) {
	dir := &fakeDirectory{fn: func(call int, id string) (share.Record, error) {
		if call == 1 {
			return share.Record{}, access.NewError(access.KindTimeout, errors.New("deadline"))
		}
		return share.Record{ShareID: id, ContentURL: "https://x/notes.txt"}, nil
	}}
	h := newHarness(t, "tok", dir, okFetcher("text/plain"))

	s := h.load(t)
	assert.Equal(t, "denied", s.Phase)
	assert.Equal(t, "timeout", s.Error.Kind)
	assert.True(t, s.Retryable)

	require.NoError(t, h.c.Retry(t.Context()))
	s = h.await(t)
	assert.Equal(t, "ready", s.Phase)
	assert.Equal(t, "plain_text", s.Category)
	assert.Greater(t, s.Generation, uint64(1))

	assert.ErrorIs(t, h.c.Retry(t.Context()), ErrNotRetryable)
}

func TestController_ContentFailureDiscardsRecord(t *testing.T) {
	f := &fakeFetcher{fn: func(context.Context, int, string) (*content.Document, error) {
		return nil, errors.New("connection reset")
	}}
	h := newHarness(t, "tok", recordDirectory(share.Record{ContentURL: "https://x/a.pdf"}), f)

	s := h.load(t)
	assert.Equal(t, "denied", s.Phase)
	assert.Equal(t, "content_unavailable", s.Error.Kind)
	assert.True(t, s.Retryable)
	assert.Nil(t, s.Metadata)
	assert.Nil(t, s.Document())
}

func TestController_StaleContentIsDropped(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFetcher{fn: func(ctx context.Context, call int, url string) (*content.Document, error) {
		if call == 1 {
			<-release
			return &content.Document{URL: url, Data: []byte("stale")}, nil
		}
		return &content.Document{URL: url, Data: []byte("fresh")}, nil
	}}
	h := newHarness(t, "tok", recordDirectory(share.Record{ContentURL: "https://x/a.pdf"}), f)

	require.NoError(t, h.c.Load(t.Context()))
	require.Eventually(t, func() bool { return f.Calls() == 1 }, 2*time.Second, time.Millisecond)

	s := h.load(t)
	require.Equal(t, "fresh", string(s.Document().Data))

	close(release)
	assert.Never(t, func() bool {
		return string(h.c.Snapshot().Document().Data) != "fresh"
	}, 50*time.Millisecond, time.Millisecond)
}

func TestController_ExpiryMonitorCollapsesSession(t *testing.T) {
	exp := t0.Add(90 * time.Second)
	h := newHarness(t, "tok", recordDirectory(share.Record{ContentURL: "https://x/a.png", Expiry: &exp}), okFetcher(""))

	s := h.load(t)
	require.Equal(t, "ready", s.Phase)

	// monitor and countdown tickers
	h.clk.WaitForTimers(2)
	require.Eventually(t, func() bool {
		cd := h.c.Snapshot().Countdown
		return cd != nil && cd.Display == "00:01:30"
	}, 2*time.Second, time.Millisecond)

	h.clk.Advance(60 * time.Second)
	require.Eventually(t, func() bool {
		cd := h.c.Snapshot().Countdown
		return cd != nil && cd.Display == "00:00:30"
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, "ready", h.c.Snapshot().Phase)

	h.clk.Advance(60 * time.Second)
	require.Eventually(t, func() bool { return h.c.Snapshot().Phase == "expired" }, 2*time.Second, time.Millisecond)

	s = h.c.Snapshot()
	assert.Equal(t, "expired", s.Error.Kind)
	assert.False(t, s.Retryable)
	assert.Nil(t, s.Document())
	assert.Nil(t, s.View)
	assert.Nil(t, s.Countdown)
	require.Eventually(t, func() bool { return h.clk.Pending() == 0 }, 2*time.Second, time.Millisecond)
}

func TestController_ScreenGuard(t *testing.T) {
	h := newHarness(t, "tok", recordDirectory(share.Record{ContentURL: "https://x/a.png", NoScreenshots: true}), okFetcher(""))
	s := h.load(t)
	require.True(t, s.ScreenGuard)

	resp, err := h.c.Guard(t.Context(), screenguard.Input{Signal: screenguard.SignalBlur})
	require.NoError(t, err)
	assert.True(t, resp.Blank)
	require.Eventually(t, func() bool { return h.c.Snapshot().Blanked }, 2*time.Second, time.Millisecond)

	h.clk.Advance(300 * time.Millisecond)
	require.Eventually(t, func() bool { return !h.c.Snapshot().Blanked }, 2*time.Second, time.Millisecond)

	resp, err = h.c.Guard(t.Context(), screenguard.Input{Signal: screenguard.SignalKey, Key: "F12"})
	require.NoError(t, err)
	assert.True(t, resp.Prevent)
}

func TestController_NoDownloadSuppressesContextMenu(t *testing.T) {
	h := newHarness(t, "tok", recordDirectory(share.Record{ContentURL: "https://x/a.png", NoDownload: true}), okFetcher(""))
	s := h.load(t)
	assert.False(t, s.ScreenGuard)

	resp, err := h.c.Guard(t.Context(), screenguard.Input{Signal: screenguard.SignalContextMenu})
	require.NoError(t, err)
	assert.Equal(t, screenguard.Response{Prevent: true}, resp)

	resp, err = h.c.Guard(t.Context(), screenguard.Input{Signal: screenguard.SignalBlur})
	require.NoError(t, err)
	assert.Equal(t, screenguard.Response{}, resp)
}

func TestController_CloseReleasesEverything(t *testing.T) {
	exp := t0.Add(time.Hour)
	h := newHarness(t, "tok", recordDirectory(share.Record{
		ContentURL:    "https://x/a.pdf",
		Expiry:        &exp,
		NoScreenshots: true,
	}), okFetcher(""))
	h.load(t)
	_, err := h.c.Guard(t.Context(), screenguard.Input{Signal: screenguard.SignalHidden})
	require.NoError(t, err)

	h.c.Close()
	h.c.Close()
	require.Eventually(t, func() bool { return h.clk.Pending() == 0 }, 2*time.Second, time.Millisecond)

	assert.ErrorIs(t, h.c.Load(t.Context()), ErrClosed)
	_, err = h.c.Dispatch(t.Context(), viewer.Event{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.c.Await(t.Context())
	assert.NoError(t, err)
}

type panickyPolicy struct{ calls atomic.Int32 }

func (p *panickyPolicy) Evaluate(context.Context, string, *access.ViewGuard) access.State {
	p.calls.Add(1)
	panic("boom")
}

func TestController_EvaluationPanicBecomesDenied(t *testing.T) {
	c := NewController(t.Context(), "s", "tok", Options{Policy: &panickyPolicy{}, Fetcher: okFetcher("")})
	defer c.Close()
	require.NoError(t, c.Load(t.Context()))

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	s, err := c.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "denied", s.Phase)
	assert.Equal(t, "unknown", s.Error.Kind)
	assert.True(t, s.Retryable)
}

func viewerEvent() viewer.Event { return viewer.Event{Type: viewer.EventWheel} }
