package httpmw

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures client IP extraction.
type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies in front of docview.
	// 0 ignores X-Forwarded-For, 1 takes the rightmost entry (single
	// ALB), 2 the second from the right (CDN then ALB).
	TrustedHops int
}

// ClientIP stores the peer address in the context and never trusts
// forwarding headers.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientAddr(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// clientAddr resolves the client IP. Forwarding headers are honoured only
// when the peer is a private address and hops are configured; otherwise
// they are stripped so nothing downstream trusts them.
func clientAddr(r *http.Request, trustedHops int) string {
	if r.RemoteAddr == "" {
		stripForwarded(r)
		return "0.0.0.0"
	}
	peer, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr without a port, as some test harnesses set it
		if a, perr := netip.ParseAddr(r.RemoteAddr); perr == nil {
			peer = netip.AddrPortFrom(a, 0)
		} else {
			stripForwarded(r)
			return "0.0.0.0"
		}
	}
	addr := peer.Addr().Unmap()

	if trustedHops <= 0 || !addr.IsPrivate() {
		stripForwarded(r)
		return addr.String()
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return addr.String()
	}
	parts := strings.Split(xff, ",")
	idx := len(parts) - trustedHops
	if idx < 0 {
		// fewer entries than proxies: fail closed
		stripForwarded(r)
		return addr.String()
	}
	if cand, err := netip.ParseAddr(strings.TrimSpace(parts[idx])); err == nil {
		return cand.Unmap().String()
	}
	return addr.String()
}

func stripForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
