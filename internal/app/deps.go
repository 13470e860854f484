package app

import (
	"context"
	"fmt"
	"time"

	"github.com/lessonreel/backend/internal/auth"
	"github.com/lessonreel/backend/internal/catalog"
	"github.com/lessonreel/backend/internal/config"
	"github.com/lessonreel/backend/internal/db"
	"github.com/lessonreel/backend/internal/entitlement"
	"github.com/lessonreel/backend/internal/gateway"
	"github.com/lessonreel/backend/internal/handlers"
	"github.com/lessonreel/backend/internal/issuer"
	"github.com/lessonreel/backend/internal/middleware"
	"github.com/lessonreel/backend/internal/repositories"
	"github.com/lessonreel/backend/internal/storage"
)

var loginQuota = middleware.Quota{PerMinute: 5}

const limiterIdleTTL = 10 * time.Minute

// buildDependencies wires together concrete implementations used by the HTTP handlers.
// The returned cleanup releases connections opened here.
func buildDependencies(ctx context.Context, pool db.Pool, cfg config.Config) (handlers.Dependencies, func(context.Context) error, error) {
	presigner, err := buildPresigner(ctx, cfg)
	if err != nil {
		return handlers.Dependencies{}, nil, err
	}

	var (
		revocations auth.RevocationStore
		cleanup     = func(context.Context) error { return nil }
	)
	if cfg.RedisURL != "" {
		store, err := auth.NewRedisRevocationStore(cfg.RedisURL)
		if err != nil {
			return handlers.Dependencies{}, nil, err
		}
		revocations = store
		cleanup = func(context.Context) error { return store.Close() }
	} else {
		revocations = auth.NewInMemoryRevocationStore()
	}

	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTokenTTL, revocations)
	purchases := repositories.NewPostgresPurchaseRepository(pool)

	gw := &gateway.Gateway{
		Verifier: tokens,
		Catalog:  catalog.NewCachingCatalog(repositories.NewPostgresVideoRepository(pool), cfg.CatalogCacheTTL),
		Resolver: entitlement.Resolver{Purchases: purchases},
		Issuer:   issuer.New(presigner, cfg.PublicBaseURL, cfg.SignedURLTTL),
	}

	return handlers.Dependencies{
		DB:                  pool,
		Users:               repositories.NewPostgresUserRepository(pool),
		Tokens:              tokens,
		Gateway:             gw,
		Purchases:           purchases,
		StreamLimiter:       middleware.NewKeyedRateLimiter(middleware.Quota{PerMinute: cfg.StreamRateLimit}, limiterIdleTTL, 0),
		LoginLimiter:        middleware.NewKeyedRateLimiter(loginQuota, limiterIdleTTL, 0),
		StripeWebhookSecret: cfg.StripeWebhookSecret,
	}, cleanup, nil
}

func buildPresigner(ctx context.Context, cfg config.Config) (issuer.Presigner, error) {
	switch cfg.Signer {
	case config.SignerCDN:
		return storage.NewPrefixSigner(cfg.CDN)
	case config.SignerS3:
		return storage.NewS3Presigner(ctx, cfg.ObjectStore)
	default:
		return nil, fmt.Errorf("unknown signer %q", cfg.Signer)
	}
}
