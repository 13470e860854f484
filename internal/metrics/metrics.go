// Package metrics holds the Prometheus collectors for the media gateway.
// All metrics are registered against the default Prometheus registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamRequests counts playback requests by terminal outcome.
	StreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lessonreel_stream_requests_total",
		Help: "Playback authorization requests by outcome.",
	}, []string{"outcome"})

	// PresignDuration tracks how long the storage capability takes to sign a read.
	PresignDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lessonreel_presign_duration_seconds",
		Help:    "Duration of presigned URL issuance in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	// EntitlementLookups counts entitlement source queries by result.
	EntitlementLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lessonreel_entitlement_lookups_total",
		Help: "Entitlement source lookups by result.",
	}, []string{"result"})

	// RateLimited counts requests rejected by a rate limiter, by endpoint scope.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lessonreel_rate_limited_total",
		Help: "Requests rejected by rate limiting.",
	}, []string{"scope"})

	// HTTPRequestDuration tracks handler latency by matched route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lessonreel_http_request_duration_seconds",
		Help:    "HTTP handler latency by route and status code.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})
)

// ObservePresign records a presign call that started at start.
func ObservePresign(start time.Time) {
	PresignDuration.Observe(time.Since(start).Seconds())
}
