package handlers

import (
	"net"
	"net/http"
	"strings"

	"github.com/lessonreel/backend/internal/logging"
	"github.com/lessonreel/backend/internal/metrics"
)

// RateLimiter is the minimal interface required to guard sensitive endpoints.
type RateLimiter interface {
	Allow(key string) bool
}

// allowRequest consults limiter for the caller of r within scope. A nil
// limiter allows everything.
func allowRequest(limiter RateLimiter, r *http.Request, scope string) bool {
	if limiter == nil {
		return true
	}
	if limiter.Allow(rateLimitKey(r, scope)) {
		return true
	}
	metrics.RateLimited.WithLabelValues(scope).Inc()
	return false
}

func rateLimitKey(r *http.Request, scope string) string {
	ip := clientIP(r)
	if scope == "" {
		return ip
	}
	return scope + ":" + ip
}

// clientIP uses the address resolved by middleware.ClientIP. Without it the
// direct peer is used; forwarding headers are never read here.
func clientIP(r *http.Request) string {
	if ip := logging.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil && host != "" {
		return host
	}
	return remote
}
