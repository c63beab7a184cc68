package directory

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/keithlinneman/linnemanlabs-docview/internal/xerrors"
)

type originKey struct{}

// WithOrigin attaches the viewer request's origin (scheme://host) so a
// client without a base URL resolves the directory same-origin.
func WithOrigin(ctx context.Context, origin string) context.Context {
	origin = strings.TrimRight(origin, "/")
	if origin == "" {
		return ctx
	}
	return context.WithValue(ctx, originKey{}, origin)
}

func OriginFromContext(ctx context.Context) string {
	s, _ := ctx.Value(originKey{}).(string)
	return s
}

// RequestOrigin derives scheme://host for r, honoring X-Forwarded-Proto
// when the client IP middleware left it in place. The result is caller
// controlled; check it against Origins before using it.
func RequestOrigin(r *http.Request) string {
	if r.Host == "" {
		return ""
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		p := strings.ToLower(strings.TrimSpace(strings.Split(xf, ",")[0]))
		if p == "http" || p == "https" {
			scheme = p
		}
	}
	return scheme + "://" + r.Host
}

// Origins is the set of public origins the viewer is served under. Only
// a request origin on the list is used for same-origin resolution, so the
// Host header alone can never pick the upstream the server calls.
type Origins struct {
	set map[string]struct{}
}

// ParseOrigins builds the allowlist from scheme://host[:port] entries.
// Blank entries are skipped.
func ParseOrigins(list []string) (*Origins, error) {
	o := &Origins{set: make(map[string]struct{}, len(list))}
	for _, raw := range list {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		n, ok := normalizeOrigin(raw)
		if !ok {
			return nil, xerrors.Newf("public origin must be http(s)://host[:port] (got %q)", raw)
		}
		o.set[n] = struct{}{}
	}
	return o, nil
}

// Len reports the number of allowed origins. A nil *Origins is empty.
func (o *Origins) Len() int {
	if o == nil {
		return 0
	}
	return len(o.set)
}

// Allowed reports whether origin is on the list. An empty list allows
// nothing.
func (o *Origins) Allowed(origin string) bool {
	if o.Len() == 0 {
		return false
	}
	n, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, ok = o.set[n]
	return ok
}

// FromRequest returns the normalized RequestOrigin of r when it is
// allowed, else "".
func (o *Origins) FromRequest(r *http.Request) string {
	origin := RequestOrigin(r)
	if !o.Allowed(origin) {
		return ""
	}
	n, _ := normalizeOrigin(origin)
	return n
}

func normalizeOrigin(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || u.Host == "" || u.User != nil || u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	return scheme + "://" + strings.ToLower(u.Host), true
}

// ShareToken extracts the share_id query parameter. A missing parameter
// yields "", which access evaluation reports as a missing reference.
func ShareToken(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("share_id"))
}
