package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lessonreel/backend/internal/db"
	"github.com/lessonreel/backend/internal/models"
)

const uniqueViolation = "23505"

// PostgresUserRepository provides PostgreSQL-backed persistence for users.
type PostgresUserRepository struct {
	pool db.Pool
}

// NewPostgresUserRepository constructs a user repository backed by PostgreSQL.
func NewPostgresUserRepository(pool db.Pool) *PostgresUserRepository {
	return &PostgresUserRepository{pool: pool}
}

// Create persists a new user record.
func (r *PostgresUserRepository) Create(ctx context.Context, user models.User) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO users (id, email, password_hash, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5)
    `, user.ID, user.Email, user.Password, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrConflict
		}
		return fmt.Errorf("insert user: %w", err)
	}

	return nil
}

// FindByEmail fetches a user by their email address.
func (r *PostgresUserRepository) FindByEmail(ctx context.Context, email string) (models.User, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.User{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT id, email, password_hash, created_at, updated_at
        FROM users
        WHERE email = $1
    `, email)

	var user models.User
	if err := row.Scan(&user.ID, &user.Email, &user.Password, &user.CreatedAt, &user.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, fmt.Errorf("select user by email: %w", err)
	}

	return user, nil
}

// PostgresVideoRepository reads the lesson catalog from PostgreSQL.
type PostgresVideoRepository struct {
	pool db.Pool
}

// NewPostgresVideoRepository constructs a catalog repository backed by PostgreSQL.
func NewPostgresVideoRepository(pool db.Pool) *PostgresVideoRepository {
	return &PostgresVideoRepository{pool: pool}
}

// Create inserts a catalog entry. Playback never calls it; it exists for seeding and tests.
func (r *PostgresVideoRepository) Create(ctx context.Context, video models.Video) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var durationMillis *int64
	if video.Duration != nil {
		ms := video.Duration.Milliseconds()
		durationMillis = &ms
	}

	_, err = conn.Exec(ctx, `
        INSERT INTO videos (id, title, access_level, price, object_key, duration_ms, preview_ref)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `, video.ID, video.Title, int16(video.AccessLevel), video.Price, video.ObjectKey, durationMillis, video.PreviewRef)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrConflict
		}
		return fmt.Errorf("insert video: %w", err)
	}

	return nil
}

// Get loads a single video by identifier.
func (r *PostgresVideoRepository) Get(ctx context.Context, videoID string) (models.Video, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.Video{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT id, title, access_level, price, object_key, duration_ms, preview_ref
        FROM videos
        WHERE id = $1
    `, videoID)

	var (
		video          models.Video
		accessLevel    int16
		durationMillis *int64
	)
	if err := row.Scan(&video.ID, &video.Title, &accessLevel, &video.Price, &video.ObjectKey, &durationMillis, &video.PreviewRef); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Video{}, ErrNotFound
		}
		return models.Video{}, fmt.Errorf("select video: %w", err)
	}

	video.AccessLevel = models.AccessLevel(accessLevel)
	if durationMillis != nil {
		d := time.Duration(*durationMillis) * time.Millisecond
		video.Duration = &d
	}

	return video, nil
}

// PostgresPurchaseRepository tracks payments that entitle users to gated videos.
type PostgresPurchaseRepository struct {
	pool db.Pool
}

// NewPostgresPurchaseRepository constructs a purchase repository backed by PostgreSQL.
func NewPostgresPurchaseRepository(pool db.Pool) *PostgresPurchaseRepository {
	return &PostgresPurchaseRepository{pool: pool}
}

// HasCompletedPurchase reports whether userID holds a completed purchase for videoID.
func (r *PostgresPurchaseRepository) HasCompletedPurchase(ctx context.Context, userID, videoID string) (bool, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var exists bool
	err = conn.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM purchases
            WHERE user_id = $1 AND video_id = $2 AND status = $3
        )
    `, userID, videoID, models.PurchaseStatusCompleted).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("select purchase: %w", err)
	}

	return exists, nil
}

// RecordPurchase upserts a purchase keyed by its payment reference so that
// redelivered payment events are idempotent.
func (r *PostgresPurchaseRepository) RecordPurchase(ctx context.Context, purchase models.Purchase) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	status := purchase.Status
	if status == "" {
		status = models.PurchaseStatusCompleted
	}

	_, err = conn.Exec(ctx, `
        INSERT INTO purchases (id, user_id, video_id, amount, payment_ref, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (payment_ref) DO UPDATE
        SET status = excluded.status, amount = excluded.amount
    `, purchase.ID, purchase.UserID, purchase.VideoID, purchase.Amount, purchase.PaymentRef, status, purchase.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("upsert purchase: %w", err)
	}

	return nil
}

// MarkRefunded flips the purchase identified by paymentRef to refunded.
func (r *PostgresPurchaseRepository) MarkRefunded(ctx context.Context, paymentRef string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE purchases
        SET status = $2
        WHERE payment_ref = $1
    `, paymentRef, models.PurchaseStatusRefunded)
	if err != nil {
		return fmt.Errorf("update purchase status: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}
