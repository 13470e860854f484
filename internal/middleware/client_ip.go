package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/lessonreel/backend/internal/logging"
)

// ClientIP resolves the caller's address once per request and stores it on
// the context for rate limiting and logs. X-Forwarded-For is consulted only
// when the direct peer is in trusted.
func ClientIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ResolveClientIP(r, trusted)
			next.ServeHTTP(w, r.WithContext(logging.WithClientIP(r.Context(), ip)))
		})
	}
}

// ResolveClientIP returns the direct peer unless it is a trusted proxy. Then
// it walks X-Forwarded-For from the right and returns the first hop that is
// not itself trusted. Malformed hops stop the walk at the last good address.
func ResolveClientIP(r *http.Request, trusted []netip.Prefix) string {
	peer, ok := remoteAddr(r.RemoteAddr)
	if !ok {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !isTrusted(peer, trusted) {
		return peer.String()
	}

	client := peer
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		client = hop.Unmap()
		if !isTrusted(client, trusted) {
			break
		}
	}
	return client.String()
}

func remoteAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
