package handlers

import (
	"context"

	"github.com/lessonreel/backend/internal/gateway"
	"github.com/lessonreel/backend/internal/models"
)

// UserStore captures the persistence operations required by the auth handlers.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (models.User, error)
}

// TokenService issues and revokes bearer credentials.
type TokenService interface {
	Issue(ctx context.Context, userID string) (models.SessionTokens, error)
	Revoke(ctx context.Context, token string) error
}

// StreamGateway authorizes playback requests.
type StreamGateway interface {
	Stream(ctx context.Context, credential, videoID string) (gateway.Grant, error)
}

// PurchaseStore applies payment events to the entitlement source.
type PurchaseStore interface {
	RecordPurchase(ctx context.Context, purchase models.Purchase) error
	MarkRefunded(ctx context.Context, paymentRef string) error
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}
