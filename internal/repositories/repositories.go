// Package repositories persists users, the video catalog and purchases in
// PostgreSQL-compatible databases.
package repositories

import (
	"context"
	"errors"

	"github.com/lessonreel/backend/internal/models"
)

var (
	// ErrNotFound indicates the requested record, or one it references, does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates the write would violate a uniqueness constraint.
	ErrConflict = errors.New("record conflict")
)

// UserRepository defines the data access contract for users.
type UserRepository interface {
	Create(ctx context.Context, user models.User) error
	FindByEmail(ctx context.Context, email string) (models.User, error)
}

// VideoRepository exposes read access to the lesson catalog.
type VideoRepository interface {
	Get(ctx context.Context, videoID string) (models.Video, error)
}

// PurchaseRepository records and queries video purchases.
type PurchaseRepository interface {
	HasCompletedPurchase(ctx context.Context, userID, videoID string) (bool, error)
	RecordPurchase(ctx context.Context, purchase models.Purchase) error
	MarkRefunded(ctx context.Context, paymentRef string) error
}

var _ UserRepository = (*PostgresUserRepository)(nil)
var _ VideoRepository = (*PostgresVideoRepository)(nil)
var _ PurchaseRepository = (*PostgresPurchaseRepository)(nil)
