package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lessonreel/backend/internal/models"
)

var (
	// ErrInvalidToken indicates the bearer credential failed verification.
	ErrInvalidToken = errors.New("invalid access token")
	// ErrTokenRevoked indicates the credential was explicitly revoked.
	ErrTokenRevoked = errors.New("access token revoked")
)

// maxClockSkew bounds how far in the future an iat claim may be.
const maxClockSkew = 5 * time.Minute

// RevocationStore remembers revoked token identifiers until they would have expired anyway.
type RevocationStore interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Claims are the JWT claims carried by LessonReel access tokens.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HMAC-signed access tokens.
type TokenManager struct {
	secret      []byte
	issuer      string
	accessTTL   time.Duration
	revocations RevocationStore
	now         func() time.Time
}

// NewTokenManager constructs a TokenManager. A nil store disables revocation checks.
func NewTokenManager(secret, issuer string, accessTTL time.Duration, revocations RevocationStore) *TokenManager {
	if secret == "" {
		panic("auth: signing secret must not be empty")
	}
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	return &TokenManager{
		secret:      []byte(secret),
		issuer:      issuer,
		accessTTL:   accessTTL,
		revocations: revocations,
		now:         time.Now,
	}
}

// Issue creates a signed access token for the provided user identifier.
func (m *TokenManager) Issue(_ context.Context, userID string) (models.SessionTokens, error) {
	if userID == "" {
		return models.SessionTokens{}, errors.New("user id must be provided")
	}

	now := m.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(m.accessTTL)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    m.issuer,
		Subject:   userID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return models.SessionTokens{}, fmt.Errorf("sign access token: %w", err)
	}

	return models.SessionTokens{AccessToken: signed, AccessExpiresAt: expiresAt}, nil
}

// Verify validates a bearer token and returns the caller identity. Errors that
// wrap ErrInvalidToken or ErrTokenRevoked are credential failures; anything else
// means the revocation store could not be consulted.
func (m *TokenManager) Verify(ctx context.Context, token string) (models.Identity, error) {
	claims, err := m.parse(token)
	if err != nil {
		return models.Identity{}, err
	}

	if m.revocations != nil {
		revoked, err := m.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return models.Identity{}, fmt.Errorf("check token revocation: %w", err)
		}
		if revoked {
			return models.Identity{}, ErrTokenRevoked
		}
	}

	return models.Identity{UserID: claims.Subject, TokenID: claims.ID}, nil
}

// Revoke invalidates the provided token until its natural expiry.
func (m *TokenManager) Revoke(ctx context.Context, token string) error {
	claims, err := m.parse(token)
	if err != nil {
		return err
	}
	if m.revocations == nil {
		return errors.New("token revocation is not configured")
	}
	return m.revocations.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
}

func (m *TokenManager) parse(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: missing sub or jti", ErrInvalidToken)
	}
	if claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing iat", ErrInvalidToken)
	}
	if claims.IssuedAt.Time.Sub(m.now()) > maxClockSkew {
		return nil, fmt.Errorf("%w: iat in the future", ErrInvalidToken)
	}

	return claims, nil
}
