package issuer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/lessonreel/backend/internal/metrics"
	"github.com/lessonreel/backend/internal/models"
)

// DefaultValidity is the signed URL window for gated videos.
const DefaultValidity = time.Hour

// ErrSigningFailure indicates the storage capability could not produce a usable URL.
var ErrSigningFailure = errors.New("signing failure")

// Presigner is the object-storage capability: given a key, produce a read URL
// valid for the requested window.
type Presigner interface {
	PresignRead(ctx context.Context, key string, validity time.Duration) (models.PresignedURL, error)
}

// Issuer mints playable references. It keeps no state between calls: every
// gated issuance derives a fresh signature.
type Issuer struct {
	presigner  Presigner
	publicBase string
	validity   time.Duration
	now        func() time.Time
}

// New constructs an Issuer. publicBaseURL is the CDN location of public objects.
func New(presigner Presigner, publicBaseURL string, validity time.Duration) *Issuer {
	if validity <= 0 {
		validity = DefaultValidity
	}
	return &Issuer{
		presigner:  presigner,
		publicBase: strings.TrimSuffix(publicBaseURL, "/"),
		validity:   validity,
		now:        time.Now,
	}
}

// WithNowFunc allows tests to override the time source.
func (i *Issuer) WithNowFunc(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue produces the playable reference for video. Callers must have already
// resolved the entitlement.
func (i *Issuer) Issue(ctx context.Context, video models.Video) (models.PlayableReference, error) {
	if video.AccessLevel == models.AccessPublic {
		location, err := i.PublicURL(video.ObjectKey)
		if err != nil {
			return models.PlayableReference{}, err
		}
		if location == "" {
			return models.PlayableReference{}, fmt.Errorf("public video %s has no object key", video.ID)
		}
		return models.PlayableReference{URL: location, IssuedAt: i.now().UTC()}, nil
	}

	if i.presigner == nil {
		return models.PlayableReference{}, fmt.Errorf("%w: no presigner configured", ErrSigningFailure)
	}

	issuedAt := i.now().UTC()
	start := time.Now()
	signed, err := i.presigner.PresignRead(ctx, video.ObjectKey, i.validity)
	metrics.ObservePresign(start)
	if err != nil {
		return models.PlayableReference{}, fmt.Errorf("%w: %w", ErrSigningFailure, err)
	}
	if signed.URL == "" {
		return models.PlayableReference{}, fmt.Errorf("%w: empty url for %s", ErrSigningFailure, video.ObjectKey)
	}

	expiresAt := issuedAt.Add(i.validity)
	if !signed.ExpiresAt.IsZero() && signed.ExpiresAt.Before(expiresAt) {
		expiresAt = signed.ExpiresAt
	}
	if !expiresAt.After(issuedAt) {
		return models.PlayableReference{}, fmt.Errorf("%w: signature for %s already expired", ErrSigningFailure, video.ObjectKey)
	}

	return models.PlayableReference{
		URL:               signed.URL,
		IssuedAt:          issuedAt,
		ExpiresAt:         expiresAt,
		SigningParameters: signed.SigningParameters,
	}, nil
}

// PublicURL builds the stable CDN location for an object key or preview reference.
// Absolute URLs are returned unchanged.
func (i *Issuer) PublicURL(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return ref, nil
	}
	location, err := url.JoinPath(i.publicBase, strings.TrimLeft(ref, "/"))
	if err != nil {
		return "", fmt.Errorf("build public url for %q: %w", ref, err)
	}
	return location, nil
}
