package repositories

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/cockroach-go/v2/testserver"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lessonreel/backend/internal/models"
)

// testPool is nil in short mode; resetDatabase skips in that case.
var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	pool, stop, err := startTestDatabase(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "repositories: %v\n", err)
		os.Exit(1)
	}
	testPool = pool

	code := m.Run()
	stop()
	os.Exit(code)
}

// startTestDatabase boots a throwaway CockroachDB node and loads the schema.
func startTestDatabase(ctx context.Context) (*pgxpool.Pool, func(), error) {
	ts, err := testserver.NewTestServer()
	if err != nil {
		return nil, nil, fmt.Errorf("start cockroach: %w", err)
	}

	pool, err := pgxpool.New(ctx, ts.PGURL().String())
	if err != nil {
		ts.Stop()
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	stop := func() {
		pool.Close()
		ts.Stop()
	}

	if err := loadSchema(ctx, pool, os.DirFS(filepath.Join("..", "..", "migrations"))); err != nil {
		stop()
		return nil, nil, err
	}
	return pool, stop, nil
}

func TestPostgresUserRepository_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	repo := NewPostgresUserRepository(testPool)

	user := models.User{
		ID:        uuid.NewString(),
		Email:     "alice@example.com",
		Password:  "secret-hash",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		UpdatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	if err := repo.Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	dup := user
	dup.ID = uuid.NewString()
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict when creating duplicate email, got %v", err)
	}

	fetched, err := repo.FindByEmail(ctx, user.Email)
	if err != nil {
		t.Fatalf("find by email: %v", err)
	}
	if fetched.ID != user.ID || fetched.Password != user.Password {
		t.Fatalf("unexpected user fetched: %+v", fetched)
	}

	if _, err := repo.FindByEmail(ctx, "missing@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown email, got %v", err)
	}
}

func TestPostgresVideoRepository_Get(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	repo := NewPostgresVideoRepository(testPool)
	duration := 7 * time.Minute

	gated := models.Video{
		ID:          "concurrency",
		Title:       "Concurrency",
		AccessLevel: models.AccessGated,
		Price:       2900,
		ObjectKey:   "courses/concurrency/master.m3u8",
		Duration:    &duration,
		PreviewRef:  "posters/concurrency.jpg",
	}
	public := models.Video{ID: "intro", Title: "Intro", ObjectKey: "public/intro/master.m3u8"}

	for _, video := range []models.Video{gated, public} {
		if err := repo.Create(ctx, video); err != nil {
			t.Fatalf("create video %s: %v", video.ID, err)
		}
	}

	if err := repo.Create(ctx, public); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate id, got %v", err)
	}

	loaded, err := repo.Get(ctx, gated.ID)
	if err != nil {
		t.Fatalf("get gated video: %v", err)
	}
	if loaded.AccessLevel != models.AccessGated || loaded.Price != 2900 || loaded.ObjectKey != gated.ObjectKey {
		t.Fatalf("unexpected gated video: %+v", loaded)
	}
	if loaded.Duration == nil || *loaded.Duration != duration {
		t.Fatalf("expected duration %v, got %v", duration, loaded.Duration)
	}

	loaded, err = repo.Get(ctx, public.ID)
	if err != nil {
		t.Fatalf("get public video: %v", err)
	}
	if loaded.AccessLevel != models.AccessPublic || loaded.Duration != nil {
		t.Fatalf("unexpected public video: %+v", loaded)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown video, got %v", err)
	}
}

func TestPostgresPurchaseRepository_RecordAndRefund(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	user := createTestUser(t, NewPostgresUserRepository(testPool), "buyer@example.com")
	videos := NewPostgresVideoRepository(testPool)
	if err := videos.Create(ctx, models.Video{ID: "gated", Title: "Gated", AccessLevel: models.AccessGated, Price: 1500, ObjectKey: "k"}); err != nil {
		t.Fatalf("create video: %v", err)
	}

	repo := NewPostgresPurchaseRepository(testPool)

	owned, err := repo.HasCompletedPurchase(ctx, user.ID, "gated")
	if err != nil {
		t.Fatalf("has purchase: %v", err)
	}
	if owned {
		t.Fatal("expected no purchase before recording")
	}

	purchase := models.Purchase{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		VideoID:    "gated",
		Amount:     1500,
		PaymentRef: "pi_123",
		CreatedAt:  time.Now().UTC(),
	}
	if err := repo.RecordPurchase(ctx, purchase); err != nil {
		t.Fatalf("record purchase: %v", err)
	}

	redelivered := purchase
	redelivered.ID = uuid.NewString()
	if err := repo.RecordPurchase(ctx, redelivered); err != nil {
		t.Fatalf("expected redelivery to be idempotent, got %v", err)
	}

	owned, err = repo.HasCompletedPurchase(ctx, user.ID, "gated")
	if err != nil || !owned {
		t.Fatalf("expected completed purchase, got %v, %v", owned, err)
	}

	if err := repo.MarkRefunded(ctx, "pi_123"); err != nil {
		t.Fatalf("mark refunded: %v", err)
	}

	owned, err = repo.HasCompletedPurchase(ctx, user.ID, "gated")
	if err != nil || owned {
		t.Fatalf("expected refund to revoke entitlement, got %v, %v", owned, err)
	}

	if err := repo.MarkRefunded(ctx, "pi_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown payment ref, got %v", err)
	}

	orphan := purchase
	orphan.ID = uuid.NewString()
	orphan.PaymentRef = "pi_orphan"
	orphan.VideoID = "missing-video"
	if err := repo.RecordPurchase(ctx, orphan); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown video, got %v", err)
	}
}

func loadSchema(ctx context.Context, pool *pgxpool.Pool, migrations fs.FS) error {
	// fs.Glob returns names in lexical order, which is migration order.
	names, err := fs.Glob(migrations, "*.sql")
	if err != nil {
		return err
	}
	for _, name := range names {
		ddl, err := fs.ReadFile(migrations, name)
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, string(ddl)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func resetDatabase(t *testing.T) {
	t.Helper()
	if testPool == nil {
		t.Skip("database tests are skipped in short mode")
	}

	if _, err := testPool.Exec(context.Background(), "TRUNCATE TABLE purchases, videos, users CASCADE"); err != nil {
		t.Fatalf("reset tables: %v", err)
	}
}

func createTestUser(t *testing.T, repo *PostgresUserRepository, email string) models.User {
	t.Helper()
	now := time.Now().UTC()
	user := models.User{ID: uuid.NewString(), Email: email, Password: "password-hash", CreatedAt: now, UpdatedAt: now}
	if err := repo.Create(context.Background(), user); err != nil {
		t.Fatalf("seed user %s: %v", email, err)
	}
	return user
}
