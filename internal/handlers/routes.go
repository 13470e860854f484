package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes wires HTTP handlers into the provided ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps Dependencies) {
	health := HealthHandler{DB: deps.DB}
	auth := AuthHandler{Users: deps.Users, Tokens: deps.Tokens, Limiter: deps.LoginLimiter}
	stream := StreamHandler{Gateway: deps.Gateway, Limiter: deps.StreamLimiter}
	webhooks := WebhookHandler{Purchases: deps.Purchases, SigningSecret: deps.StripeWebhookSecret}

	mux.HandleFunc("/healthz", health.Handle)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /video/{id}/stream", stream.Stream)
	mux.HandleFunc("/api/v1/auth/login", auth.Login)
	mux.HandleFunc("/api/v1/auth/logout", auth.Logout)
	mux.HandleFunc("/api/v1/webhooks/stripe", webhooks.Stripe)
}

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	DB                  Pinger
	Users               UserStore
	Tokens              TokenService
	Gateway             StreamGateway
	Purchases           PurchaseStore
	StreamLimiter       RateLimiter
	LoginLimiter        RateLimiter
	StripeWebhookSecret string
}
