package content

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keithlinneman/linnemanlabs-docview/internal/access"
	"github.com/keithlinneman/linnemanlabs-docview/internal/share"
)

func TestClassify_Suffix(t *testing.T) {
	tests := []struct {
		url  string
		want Category
	}{
		{"https://cdn.example/docs/report.pdf", PagedDocument},
		{"https://cdn.example/docs/REPORT.PDF?X-Amz-Signature=abc.png", PagedDocument},
		{"https://cdn.example/a/photo.JPeG#frag", Image},
		{"s3://bucket/img/scan.webp", Image},
		{"/local/pic.bmp", Image},
		{"https://x/y/table.csv", Tabular},
		{"https://x/y/book.xlsx", Tabular},
		{"https://x/y/book.xls", Tabular},
		{"report.XLSX", Tabular},
		{"https://x/y/notes.txt", PlainText},
		{"https://x/y/archive.zip", Unsupported},
		{"https://x/y/noext", Unsupported},
		{"", Unsupported},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.url, ""), tt.url)
	}
}

func TestClassify_SuffixBeatsMediaType(t *testing.T) {
	assert.Equal(t, PagedDocument, Classify("https://x/a.pdf", "image/png"))
	assert.Equal(t, Image, Classify("https://x/a.png", "application/pdf"))
}

func TestClassify_MediaTypeWithoutSuffix(t *testing.T) {
	assert.Equal(t, Image, Classify("photo", "image/webp"))
}

func TestClassify_MediaTypeFallback(t *testing.T) {
	tests := []struct {
		mt   string
		want Category
	}{
		{"image/svg+xml", Image},
		{"application/pdf", PagedDocument},
		{"Application/PDF; charset=binary", PagedDocument},
		{"text/csv", Tabular},
		{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", Tabular},
		{"application/vnd.ms-excel", Tabular},
		{"text/plain; charset=utf-8", PlainText},
		{"application/zip", Unsupported},
		{"", Unsupported},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify("https://x/download", tt.mt), tt.mt)
	}
}

func TestDownloadAllowed(t *testing.T) {
	assert.True(t, DownloadAllowed(Unsupported, share.Record{}))
	assert.False(t, DownloadAllowed(Unsupported, share.Record{NoDownload: true}))
	assert.False(t, DownloadAllowed(PagedDocument, share.Record{}))
	assert.False(t, DownloadAllowed(Image, share.Record{}))
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte("%PDF-1.7"))
		case "/big":
			_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPFetcherOptions{MaxBytes: 32})

	doc, err := f.Fetch(t.Context(), srv.URL+"/ok.pdf")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", doc.MediaType)
	assert.Equal(t, []byte("%PDF-1.7"), doc.Data)

	_, err = f.Fetch(t.Context(), srv.URL+"/missing")
	assert.Equal(t, access.KindContentUnavailable, access.KindOf(err))

	_, err = f.Fetch(t.Context(), srv.URL+"/big")
	assert.Equal(t, access.KindContentUnavailable, access.KindOf(err))
}

func TestHTTPFetcher_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPFetcherOptions{Timeout: 50 * time.Millisecond})
	_, err := f.Fetch(t.Context(), srv.URL+"/slow.pdf")
	assert.Equal(t, access.KindContentUnavailable, access.KindOf(err))
}

type fakeS3 struct {
	objects map[string]string
	gotKey  string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.gotKey = key
	body, ok := f.objects[key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{
		Body:        io.NopCloser(strings.NewReader(body)),
		ContentType: aws.String("image/png"),
	}, nil
}

func TestS3Fetcher(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{"docs-bucket/shares/a b.png": "PNGDATA"}}
	f := NewS3Fetcher(fake, 0, 0)

	doc, err := f.Fetch(t.Context(), "s3://docs-bucket/shares/a%20b.png")
	require.NoError(t, err)
	assert.Equal(t, "docs-bucket/shares/a b.png", fake.gotKey)
	assert.Equal(t, "image/png", doc.MediaType)
	assert.Equal(t, "PNGDATA", string(doc.Data))

	_, err = f.Fetch(t.Context(), "s3://docs-bucket/missing")
	assert.Equal(t, access.KindContentUnavailable, access.KindOf(err))
}

func TestParseS3URL(t *testing.T) {
	b, k, err := ParseS3URL("s3://bucket/path/to/key.pdf")
	require.NoError(t, err)
	assert.Equal(t, "bucket", b)
	assert.Equal(t, "path/to/key.pdf", k)

	for _, bad := range []string{"https://bucket/key", "s3:///key", "s3://bucket/", "::", "s3://bucket/a/../b.pdf"} {
		_, _, err := ParseS3URL(bad)
		assert.Error(t, err, bad)
	}
}

type stubFetcher struct {
	got string
	err error
}

func (s *stubFetcher) Fetch(_ context.Context, u string) (*Document, error) {
	s.got = u
	if s.err != nil {
		return nil, s.err
	}
	return &Document{URL: u}, nil
}

type fetchObs struct{ calls []string }

func (f *fetchObs) ObserveContentFetch(source, outcome string, _ float64) {
	f.calls = append(f.calls, source+":"+outcome)
}

func TestRouter(t *testing.T) {
	h, s := &stubFetcher{}, &stubFetcher{}
	obs := &fetchObs{}
	r := NewRouter(RouterOptions{
		HTTP:    h,
		S3:      s,
		Metrics: obs,
		Origin:  func(context.Context) string { return "https://viewer.example" },
	})

	_, err := r.Fetch(t.Context(), "s3://b/k.pdf")
	require.NoError(t, err)
	assert.Equal(t, "s3://b/k.pdf", s.got)

	_, err = r.Fetch(t.Context(), "HTTPS://cdn/k.pdf")
	require.NoError(t, err)
	assert.Equal(t, "HTTPS://cdn/k.pdf", h.got)

	doc, err := r.Fetch(t.Context(), "/files/k.pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://viewer.example/files/k.pdf", h.got)
	assert.Equal(t, "/files/k.pdf", doc.URL)

	_, err = r.Fetch(t.Context(), "ftp://host/k.pdf")
	assert.Equal(t, access.KindContentUnavailable, access.KindOf(err))

	assert.Equal(t, []string{"s3:ok", "http:ok", "http:ok", "invalid:error"}, obs.calls)
}

func TestRouter_NoS3OrOrigin(t *testing.T) {
	r := NewRouter(RouterOptions{HTTP: &stubFetcher{}})

	_, err := r.Fetch(t.Context(), "s3://b/k")
	assert.Equal(t, access.KindContentUnavailable, access.KindOf(err))

	_, err = r.Fetch(t.Context(), "/relative.pdf")
	assert.Equal(t, access.KindContentUnavailable, access.KindOf(err))
}
