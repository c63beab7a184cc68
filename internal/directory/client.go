// Package directory looks share tokens up in the document directory
// service: GET {base}/documents/shared?share_id=<token>.
package directory

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-docview/internal/access"
	"github.com/keithlinneman/linnemanlabs-docview/internal/log"
	"github.com/keithlinneman/linnemanlabs-docview/internal/share"
	"github.com/keithlinneman/linnemanlabs-docview/internal/xerrors"
)

const (
	DefaultTimeout = 10 * time.Second
	lookupPath     = "/documents/shared"
	maxRecordBytes = 1 << 20
)

type ClientOptions struct {
	Logger log.Logger

	// BaseURL overrides the directory address. Empty means same-origin:
	// the origin attached to the lookup context with WithOrigin.
	BaseURL string

	Timeout time.Duration

	// UserAgent is sent on every lookup when set.
	UserAgent string

	// HTTPClient defaults to a client with a traced transport.
	HTTPClient *http.Client
}

type Client struct {
	base      string
	timeout   time.Duration
	userAgent string
	hc        *http.Client
	logger    log.Logger
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base != "" {
		u, err := url.Parse(base)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, xerrors.Newf("directory base url must be absolute (got %q)", opts.BaseURL)
		}
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{base: base, timeout: opts.Timeout, userAgent: opts.UserAgent, hc: hc, logger: opts.Logger}, nil
}

// Lookup fetches the record for shareID. Errors are *access.Error:
// 403/404 are AccessDenied, 410 is AlreadyViewed, deadline or network
// timeouts are Timeout and everything else is Unknown.
func (c *Client) Lookup(ctx context.Context, shareID string) (share.Record, error) {
	base := c.base
	if base == "" {
		base = OriginFromContext(ctx)
	}
	if base == "" {
		return share.Record{}, access.NewError(access.KindUnknown, xerrors.New("no directory base url and no request origin"))
	}
	target := base + lookupPath + "?share_id=" + url.QueryEscape(shareID)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return share.Record{}, access.NewError(access.KindUnknown, xerrors.Wrap(err, "build directory request"))
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		kind := access.KindUnknown
		if isTimeout(ctx, err) {
			kind = access.KindTimeout
		}
		return share.Record{}, access.NewError(kind, xerrors.Wrap(err, "directory request"))
	}
	defer resp.Body.Close()

	c.logger.Debug(ctx, "directory lookup",
		"status", resp.StatusCode,
		"duration", time.Since(start).Seconds(),
	)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusForbidden:
		return share.Record{}, access.NewError(access.KindAccessDenied, statusErr(resp.StatusCode))
	case http.StatusGone:
		return share.Record{}, access.NewError(access.KindAlreadyViewed, statusErr(resp.StatusCode))
	default:
		return share.Record{}, access.NewError(access.KindUnknown, statusErr(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordBytes))
	if err != nil {
		kind := access.KindUnknown
		if isTimeout(ctx, err) {
			kind = access.KindTimeout
		}
		return share.Record{}, access.NewError(kind, xerrors.Wrap(err, "read directory response"))
	}
	rec, err := share.Decode(body)
	if err != nil {
		return share.Record{}, access.NewError(access.KindUnknown, err)
	}
	if rec.ShareID == "" {
		rec.ShareID = shareID
	}
	return rec, nil
}

func statusErr(code int) error {
	return xerrors.Newf("directory returned %d %s", code, http.StatusText(code))
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// String is used in startup logs.
func (c *Client) String() string {
	if c.base == "" {
		return "same-origin " + lookupPath
	}
	return c.base + lookupPath
}
