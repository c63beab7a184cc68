package httpmw

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/keithlinneman/linnemanlabs-docview/internal/log"
)

func jsonLogger(t *testing.T) (log.Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	L, err := log.New(log.Options{App: "docview", JsonFormat: true, Writer: &buf})
	if err != nil {
		t.Fatalf("log.New: %v", err)
	}
	return L, &buf
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func sessionRouter(L log.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID(""), ClientIP, WithLogger(L), AccessLog())
	r.Get("/api/v1/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("abcd"))
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok\n")) })
	return r
}

func TestAccessLog_OneLinePerRequest(t *testing.T) {
	L, buf := jsonLogger(t)
	h := sessionRouter(L)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s-123?share_id=tok-secret&page=2", http.NoBody)
	req.RemoteAddr = "203.0.113.50:4242"
	h.ServeHTTP(httptest.NewRecorder(), req)

	lines := logLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("log lines = %d, want 1", len(lines))
	}
	line := lines[0]
	if line["msg"] != "http request" {
		t.Fatalf("msg = %v", line["msg"])
	}
	if line["http.route"] != "/api/v1/sessions/{id}" {
		t.Errorf("route = %v", line["http.route"])
	}
	if line["http.response.status_code"] != float64(http.StatusAccepted) {
		t.Errorf("status = %v", line["http.response.status_code"])
	}
	if line["http.response.body.size"] != float64(4) {
		t.Errorf("body size = %v", line["http.response.body.size"])
	}
	if line["client.address"] != "203.0.113.50" {
		t.Errorf("client = %v", line["client.address"])
	}
	if id, _ := line["request_id"].(string); id == "" {
		t.Error("request_id missing")
	}
	if strings.Contains(buf.String(), "tok-secret") {
		t.Fatalf("share token leaked into access log: %s", buf.String())
	}
	if q := line["url.query"]; q != "share_id=[REDACTED]&page=2" {
		t.Errorf("url.query = %v", q)
	}
}

func TestAccessLog_SkipsProbes(t *testing.T) {
	L, buf := jsonLogger(t)
	sessionRouter(L).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if buf.Len() != 0 {
		t.Fatalf("probe was logged: %s", buf.String())
	}
}

func TestAccessLog_UnmatchedRoute(t *testing.T) {
	L, buf := jsonLogger(t)
	sessionRouter(L).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", http.NoBody))
	lines := logLines(t, buf)
	if len(lines) != 1 || lines[0]["http.route"] != "unmatched" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestRedactQuery(t *testing.T) {
	keys := log.DefaultRedactKeys
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"page=2", "page=2"},
		{"share_id=abc", "share_id=[REDACTED]"},
		{"SHARE_ID=abc&x=1", "SHARE_ID=[REDACTED]&x=1"},
		{"token=a&token=b", "token=[REDACTED]&token=[REDACTED]"},
		{"share%5Fid=abc", "share%5Fid=[REDACTED]"},
		{"flag&share_token=z", "flag&share_token=[REDACTED]"},
		{"%zz=1", "[REDACTED]"},
	}
	for _, tt := range tests {
		if got := redactQuery(tt.in, keys); got != tt.want {
			t.Errorf("redactQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSchemeFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if got := schemeFromRequest(r); got != "http" {
		t.Fatalf("plain = %q", got)
	}
	r.Header.Set("X-Forwarded-Proto", "HTTPS, http")
	if got := schemeFromRequest(r); got != "https" {
		t.Fatalf("forwarded = %q", got)
	}
	r.Header.Set("X-Forwarded-Proto", "gopher")
	if got := schemeFromRequest(r); got != "http" {
		t.Fatalf("bogus proto = %q", got)
	}
}

func TestScope(t *testing.T) {
	L, buf := jsonLogger(t)
	h := WithLogger(L)(Scope("session.get")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).Info(r.Context(), "inside")
	})))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	lines := logLines(t, buf)
	if len(lines) != 1 || lines[0]["handler"] != "session.get" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestAccessLog_WriteSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	ctx, parent := tp.Tracer("test").Start(context.Background(), "server")
	h := AccessLog()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("page"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(ctx))
	parent.End()

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	if len(names) != 2 || names[0] != "response.write" {
		t.Fatalf("spans = %v, want response.write then server", names)
	}
}
