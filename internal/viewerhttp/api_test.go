package viewerhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-docview/internal/access"
	"github.com/keithlinneman/linnemanlabs-docview/internal/content"
	"github.com/keithlinneman/linnemanlabs-docview/internal/directory"
	"github.com/keithlinneman/linnemanlabs-docview/internal/screenguard"
	"github.com/keithlinneman/linnemanlabs-docview/internal/session"
	"github.com/keithlinneman/linnemanlabs-docview/internal/share"
)

// test stubs

type stubDirectory struct {
	records map[string]share.Record
}

func (d *stubDirectory) Lookup(_ context.Context, id string) (share.Record, error) {
	rec, ok := d.records[id]
	if !ok {
		return share.Record{}, access.NewError(access.KindAccessDenied, nil)
	}
	return rec, nil
}

// stubFetcher serves fixed bytes and records the origin it was called with.
type stubFetcher struct {
	origin chan string
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) (*content.Document, error) {
	select {
	case f.origin <- directory.OriginFromContext(ctx):
	default:
	}
	mt := "application/pdf"
	if strings.HasSuffix(url, ".zip") {
		mt = "application/zip"
	}
	return &content.Document{URL: url, MediaType: mt, Data: []byte("DOCBYTES")}, nil
}

func newTestServer(t *testing.T, mw func(http.Handler) http.Handler) (*httptest.Server, *stubFetcher) {
	t.Helper()
	dir := &stubDirectory{records: map[string]share.Record{
		"pdf":     {ShareID: "pdf", DocumentName: "Quarterly Report.pdf", ContentURL: "https://cdn.example/q.pdf"},
		"zip":     {ShareID: "zip", DocumentName: "bundle.zip", ContentURL: "https://cdn.example/bundle.zip"},
		"nodl":    {ShareID: "nodl", ContentURL: "https://cdn.example/bundle.zip", NoDownload: true},
		"guarded": {ShareID: "guarded", ContentURL: "https://cdn.example/q.pdf", NoScreenshots: true},
	}}
	fetcher := &stubFetcher{origin: make(chan string, 1)}
	mgr := session.NewManager(session.ManagerOptions{
		Session: session.Options{
			Policy:  access.NewPolicy(access.PolicyOptions{Directory: dir}),
			Fetcher: fetcher,
		},
	})
	t.Cleanup(func() { mgr.CloseAll(context.Background()) })

	r := chi.NewRouter()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	origins, err := directory.ParseOrigins([]string{srv.URL})
	if err != nil {
		t.Fatalf("ParseOrigins: %v", err)
	}
	NewAPI(Options{Sessions: mgr, OpenWait: 2 * time.Second, CreateMW: mw, Origins: origins}).RegisterRoutes(r)
	return srv, fetcher
}

type snapshotBody struct {
	ID        string `json:"id"`
	Phase     string `json:"phase"`
	Retryable bool   `json:"retryable"`
	Category  string `json:"category"`
	Download  bool   `json:"download_allowed"`
	Blanked   bool   `json:"blanked"`
	Error     *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
	Metadata *share.Metadata `json:"metadata"`
	View     *struct {
		Kind      string `json:"kind"`
		Status    string `json:"status"`
		ZoomLabel string `json:"zoom_label"`
	} `json:"view"`
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeSnapshot(t *testing.T, resp *http.Response) snapshotBody {
	t.Helper()
	var s snapshotBody
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return s
}

func open(t *testing.T, srv *httptest.Server, token string) snapshotBody {
	t.Helper()
	resp := do(t, http.MethodPost, srv.URL+"/api/v1/sessions?share_id="+token, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	s := decodeSnapshot(t, resp)
	if resp.Header.Get("Location") != "/api/v1/sessions/"+s.ID {
		t.Fatalf("Location = %q", resp.Header.Get("Location"))
	}
	return s
}

func TestCreate_Ready(t *testing.T) {
	srv, fetcher := newTestServer(t, nil)

	s := open(t, srv, "pdf")
	if s.Phase != "ready" {
		t.Fatalf("phase = %q, want ready", s.Phase)
	}
	if s.Category != "paged_document" {
		t.Fatalf("category = %q", s.Category)
	}
	if s.Metadata == nil || s.Metadata.Title != "Quarterly Report" {
		t.Fatalf("metadata = %+v", s.Metadata)
	}
	if s.View == nil || s.View.Kind != "paged" {
		t.Fatalf("view = %+v", s.View)
	}

	// the request origin reaches the fetch through the session context
	select {
	case got := <-fetcher.origin:
		if got != srv.URL {
			t.Fatalf("origin = %q, want %q", got, srv.URL)
		}
	case <-time.After(time.Second):
		t.Fatal("fetch not called")
	}
}

// A Host header outside the public origins must not choose the directory
// or content upstream the server calls.
func TestCreate_ForeignHostCannotSteerDirectory(t *testing.T) {
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("INTERNAL-SECRET"))
	}))
	t.Cleanup(internal.Close)

	var directoryHits atomic.Int32
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		directoryHits.Add(1)
		_, _ = w.Write([]byte(`{"share_id":"x","s3_url":"` + internal.URL + `/secret.txt"}`))
	}))
	t.Cleanup(foreign.Close)

	client, err := directory.NewClient(directory.ClientOptions{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	mgr := session.NewManager(session.ManagerOptions{
		Session: session.Options{
			Policy: access.NewPolicy(access.PolicyOptions{Directory: client}),
			Fetcher: content.NewRouter(content.RouterOptions{
				HTTP:   content.NewHTTPFetcher(content.HTTPFetcherOptions{}),
				Origin: directory.OriginFromContext,
			}),
		},
	})
	t.Cleanup(func() { mgr.CloseAll(context.Background()) })

	origins, err := directory.ParseOrigins([]string{"https://docs.example.com"})
	if err != nil {
		t.Fatalf("ParseOrigins: %v", err)
	}
	r := chi.NewRouter()
	NewAPI(Options{Sessions: mgr, OpenWait: 2 * time.Second, Origins: origins}).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/api/v1/sessions?share_id=x", http.NoBody)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Host = strings.TrimPrefix(foreign.URL, "http://")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	s := decodeSnapshot(t, resp)

	if s.Phase != "denied" {
		t.Fatalf("phase = %q, want denied", s.Phase)
	}
	if n := directoryHits.Load(); n != 0 {
		t.Fatalf("foreign directory called %d times", n)
	}
	body := do(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+s.ID+"/content", "")
	if body.StatusCode != http.StatusConflict {
		t.Fatalf("content status = %d, want 409", body.StatusCode)
	}
}

func TestCreate_SetsNoStore(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp := do(t, http.MethodPost, srv.URL+"/api/v1/sessions?share_id=pdf", "")
	if got := resp.Header.Get("Cache-Control"); got != "no-store, max-age=0" {
		t.Fatalf("Cache-Control = %q", got)
	}
}

func TestCreate_MissingToken(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	s := open(t, srv, "")
	if s.Phase != "denied" || s.Error == nil || s.Error.Kind != "missing_reference" {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.Retryable {
		t.Fatal("missing reference must not be retryable")
	}
}

func TestCreate_DeniedIsRetryable(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	s := open(t, srv, "nope")
	if s.Phase != "denied" || s.Error.Kind != "access_denied" || !s.Retryable {
		t.Fatalf("snapshot = %+v", s)
	}

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+s.ID+"/retry", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("retry status = %d", resp.StatusCode)
	}
}

func TestCreate_MiddlewareApplied(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "slow down", http.StatusTooManyRequests)
		})
	}
	srv, _ := newTestServer(t, deny)

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/sessions?share_id=pdf", "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
}

func TestGet_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp := do(t, http.MethodGet, srv.URL+"/api/v1/sessions/does-not-exist", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		t.Fatalf("error body = %+v, %v", body, err)
	}
}

func TestRetry_NotRetryableConflicts(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	s := open(t, srv, "pdf")
	resp := do(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+s.ID+"/retry", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestEvents(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	s := open(t, srv, "pdf")
	base := srv.URL + "/api/v1/sessions/" + s.ID

	resp := do(t, http.MethodPost, base+"/events", `{"type":"document_loaded","page_count":3}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decodeSnapshot(t, resp)
	if got.View.Status != "ready" {
		t.Fatalf("view status = %q", got.View.Status)
	}

	resp = do(t, http.MethodPost, base+"/events", `{"type":"action","action":"zoom_in"}`)
	if got := decodeSnapshot(t, resp); got.View.ZoomLabel != "125%" {
		t.Fatalf("zoom label = %q", got.View.ZoomLabel)
	}

	resp = do(t, http.MethodPost, base+"/events", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad body status = %d", resp.StatusCode)
	}

	resp = do(t, http.MethodPost, base+"/events", `{"type":"key","key":"`+strings.Repeat("x", maxEventBytes)+`"}`)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body status = %d", resp.StatusCode)
	}
}

func TestEvents_NoViewerConflicts(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	s := open(t, srv, "zip")
	resp := do(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+s.ID+"/events", `{"type":"wheel"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestGuard(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	s := open(t, srv, "guarded")
	base := srv.URL + "/api/v1/sessions/" + s.ID

	resp := do(t, http.MethodPost, base+"/guard", `{"signal":"key","key":"F12"}`)
	var gr screenguard.Response
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !gr.Blank || !gr.Prevent {
		t.Fatalf("response = %+v", gr)
	}

	// content is withheld while blanked
	resp = do(t, http.MethodGet, base+"/content", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("content while blanked status = %d", resp.StatusCode)
	}
}

func TestContent(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	s := open(t, srv, "pdf")
	base := srv.URL + "/api/v1/sessions/" + s.ID

	resp := do(t, http.MethodGet, base+"/content", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/pdf" {
		t.Fatalf("Content-Type = %q", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store, max-age=0" {
		t.Fatalf("Cache-Control = %q", got)
	}
	if got := resp.Header.Get("Content-Disposition"); got != "inline" {
		t.Fatalf("Content-Disposition = %q, want inline", got)
	}
	if got := resp.Header.Get("Content-Security-Policy"); !strings.HasPrefix(got, "sandbox") {
		t.Fatalf("Content-Security-Policy = %q, want sandbox", got)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}

	// paged documents never offer a download
	resp = do(t, http.MethodGet, base+"/content?download=1", "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("download status = %d, want 403", resp.StatusCode)
	}
}

func TestContent_Download(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	s := open(t, srv, "zip")
	if !s.Download {
		t.Fatal("unsupported document should allow download")
	}

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+s.ID+"/content?download=1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Disposition"); got != `attachment; filename=bundle.zip` {
		t.Fatalf("Content-Disposition = %q", got)
	}

	s = open(t, srv, "nodl")
	resp = do(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+s.ID+"/content?download=1", "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("no_download status = %d, want 403", resp.StatusCode)
	}
}

func TestContent_NotReady(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	s := open(t, srv, "nope")
	resp := do(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+s.ID+"/content", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestDelete(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	s := open(t, srv, "pdf")
	url := srv.URL + "/api/v1/sessions/" + s.ID

	if resp := do(t, http.MethodDelete, url, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodDelete, url, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, url, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrNotFound, http.StatusNotFound},
		{session.ErrClosed, http.StatusGone},
		{session.ErrNotRetryable, http.StatusConflict},
		{session.ErrNoViewer, http.StatusConflict},
		{session.ErrTooManySessions, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{access.NewError(access.KindUnknown, nil), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
