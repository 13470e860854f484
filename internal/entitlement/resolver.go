package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/lessonreel/backend/internal/metrics"
	"github.com/lessonreel/backend/internal/models"
)

// Outcome is the result category of an entitlement decision.
type Outcome int

const (
	Allowed Outcome = iota
	Denied
	Unauthenticated
	Unavailable
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case Unauthenticated:
		return "unauthenticated"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ErrSourceUnavailable is returned in Decision.Err when no entitlement source is wired.
var ErrSourceUnavailable = errors.New("entitlement source unavailable")

// Decision describes whether a caller may view a video. Price is only
// meaningful when NeedsPurchase is set.
type Decision struct {
	Outcome       Outcome
	NeedsPurchase bool
	Price         int64
	Err           error
}

// PurchaseChecker is the external entitlement source.
type PurchaseChecker interface {
	HasCompletedPurchase(ctx context.Context, userID, videoID string) (bool, error)
}

// Resolver decides entitlements. It never caches and never retries: every call
// is an authoritative read so refunds and revocations apply to the next request.
type Resolver struct {
	Purchases PurchaseChecker
}

// Resolve decides whether identity may view video.
func (r Resolver) Resolve(ctx context.Context, identity models.Identity, video models.Video) Decision {
	if video.AccessLevel == models.AccessPublic {
		return Decision{Outcome: Allowed}
	}

	// Anything that is not explicitly public is gated.
	if identity.Anonymous() {
		return Decision{Outcome: Unauthenticated}
	}

	if r.Purchases == nil {
		metrics.EntitlementLookups.WithLabelValues("error").Inc()
		return Decision{Outcome: Unavailable, Err: ErrSourceUnavailable}
	}

	owned, err := r.Purchases.HasCompletedPurchase(ctx, identity.UserID, video.ID)
	if err != nil {
		metrics.EntitlementLookups.WithLabelValues("error").Inc()
		return Decision{Outcome: Unavailable, Err: fmt.Errorf("lookup purchase for video %s: %w", video.ID, err)}
	}

	if !owned {
		metrics.EntitlementLookups.WithLabelValues("not_owned").Inc()
		return Decision{Outcome: Denied, NeedsPurchase: true, Price: video.Price}
	}

	metrics.EntitlementLookups.WithLabelValues("owned").Inc()
	return Decision{Outcome: Allowed}
}
