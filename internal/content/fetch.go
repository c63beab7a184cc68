package content

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-docview/internal/access"
	"github.com/keithlinneman/linnemanlabs-docview/internal/log"
	"github.com/keithlinneman/linnemanlabs-docview/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-docview/internal/xerrors"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultMaxBytes = 64 << 20
)

// Document is fetched content held for one session.
type Document struct {
	URL       string
	MediaType string
	Data      []byte
	FetchedAt time.Time
}

// Fetcher retrieves the bytes behind a content URL.
type Fetcher interface {
	Fetch(ctx context.Context, contentURL string) (*Document, error)
}

// FetchMetrics is implemented by the metrics package.
type FetchMetrics interface {
	ObserveContentFetch(source, outcome string, seconds float64)
}

func unavailable(err error) error {
	return access.NewError(access.KindContentUnavailable, err)
}

// readLimited reads at most max bytes, failing when the body is larger.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, xerrors.Wrap(err, "read content")
	}
	if int64(len(b)) > max {
		return nil, xerrors.Newf("content exceeds %d bytes", max)
	}
	return b, nil
}

type HTTPFetcherOptions struct {
	Timeout    time.Duration
	MaxBytes   int64
	UserAgent  string
	HTTPClient *http.Client
}

// HTTPFetcher fetches http and https content URLs.
type HTTPFetcher struct {
	hc        *http.Client
	timeout   time.Duration
	maxBytes  int64
	userAgent string
}

func NewHTTPFetcher(opts HTTPFetcherOptions) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPFetcher{hc: hc, timeout: opts.Timeout, maxBytes: opts.MaxBytes, userAgent: opts.UserAgent}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, contentURL string) (*Document, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, contentURL, http.NoBody)
	if err != nil {
		return nil, unavailable(xerrors.Wrap(err, "build content request"))
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.hc.Do(req)
	if err != nil {
		return nil, unavailable(xerrors.Wrap(err, "content request"))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, unavailable(xerrors.Newf("content origin returned %d", resp.StatusCode))
	}
	data, err := readLimited(resp.Body, f.maxBytes)
	if err != nil {
		return nil, unavailable(err)
	}
	return &Document{
		URL:       contentURL,
		MediaType: resp.Header.Get("Content-Type"),
		Data:      data,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// S3API is the part of *s3.Client used for content.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher fetches s3://bucket/key content URLs.
type S3Fetcher struct {
	client   S3API
	timeout  time.Duration
	maxBytes int64
}

func NewS3Fetcher(client S3API, timeout time.Duration, maxBytes int64) *S3Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &S3Fetcher{client: client, timeout: timeout, maxBytes: maxBytes}
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", xerrors.Wrap(err, "parse s3 url")
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", xerrors.Newf("not an s3 url: %q", raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", xerrors.Newf("s3 url has no key: %q", raw)
	}
	if err := pathutil.CheckObjectKey(key); err != nil {
		return "", "", err
	}
	return u.Host, key, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, contentURL string) (*Document, error) {
	bucket, key, err := ParseS3URL(contentURL)
	if err != nil {
		return nil, unavailable(err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, unavailable(xerrors.Wrapf(err, "get S3 object s3://%s/%s", bucket, key))
	}
	defer out.Body.Close()

	data, err := readLimited(out.Body, f.maxBytes)
	if err != nil {
		return nil, unavailable(err)
	}
	return &Document{
		URL:       contentURL,
		MediaType: aws.ToString(out.ContentType),
		Data:      data,
		FetchedAt: time.Now().UTC(),
	}, nil
}

type RouterOptions struct {
	Logger  log.Logger
	HTTP    Fetcher
	S3      Fetcher
	Metrics FetchMetrics

	// Origin resolves relative content URLs. Optional.
	Origin func(context.Context) string
}

// Router dispatches by URL scheme.
type Router struct {
	http    Fetcher
	s3      Fetcher
	origin  func(context.Context) string
	logger  log.Logger
	metrics FetchMetrics
}

func NewRouter(opts RouterOptions) *Router {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Router{
		http:    opts.HTTP,
		s3:      opts.S3,
		origin:  opts.Origin,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

func (r *Router) Fetch(ctx context.Context, contentURL string) (*Document, error) {
	start := time.Now()
	source, doc, err := r.route(ctx, contentURL)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		r.logger.Warn(ctx, "content fetch failed", "source", source, "err", err)
	}
	if r.metrics != nil {
		r.metrics.ObserveContentFetch(source, outcome, time.Since(start).Seconds())
	}
	return doc, err
}

func (r *Router) route(ctx context.Context, contentURL string) (string, *Document, error) {
	u, err := url.Parse(contentURL)
	if err != nil {
		return "invalid", nil, unavailable(xerrors.Wrap(err, "parse content url"))
	}
	switch strings.ToLower(u.Scheme) {
	case "s3":
		if r.s3 == nil {
			return "s3", nil, unavailable(xerrors.New("s3 content is not configured"))
		}
		doc, err := r.s3.Fetch(ctx, contentURL)
		return "s3", doc, err
	case "http", "https":
		doc, err := r.http.Fetch(ctx, contentURL)
		return "http", doc, err
	case "":
		origin := ""
		if r.origin != nil {
			origin = r.origin(ctx)
		}
		if origin == "" || !strings.HasPrefix(contentURL, "/") {
			return "invalid", nil, unavailable(xerrors.Newf("relative content url %q without origin", contentURL))
		}
		doc, err := r.http.Fetch(ctx, origin+contentURL)
		if doc != nil {
			doc.URL = contentURL
		}
		return "http", doc, err
	default:
		return "invalid", nil, unavailable(xerrors.Newf("unsupported content url scheme %q", u.Scheme))
	}
}
