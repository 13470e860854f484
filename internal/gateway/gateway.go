// Package gateway turns a playback request into a playable reference. Each
// request runs authenticate, load, resolve and issue in order and stops at the
// first failing step.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lessonreel/backend/internal/auth"
	"github.com/lessonreel/backend/internal/catalog"
	"github.com/lessonreel/backend/internal/entitlement"
	"github.com/lessonreel/backend/internal/logging"
	"github.com/lessonreel/backend/internal/metrics"
	"github.com/lessonreel/backend/internal/models"
)

// IdentityVerifier validates bearer credentials.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (models.Identity, error)
}

// Catalog loads video metadata.
type Catalog interface {
	Get(ctx context.Context, videoID string) (models.Video, error)
}

// Resolver decides entitlements.
type Resolver interface {
	Resolve(ctx context.Context, identity models.Identity, video models.Video) entitlement.Decision
}

// Issuer mints playable references.
type Issuer interface {
	Issue(ctx context.Context, video models.Video) (models.PlayableReference, error)
	PublicURL(ref string) (string, error)
}

// Grant is everything a player needs to begin streaming.
type Grant struct {
	Reference  models.PlayableReference
	PreviewURL string
	Video      models.Video
}

// Gateway holds no per-request state and is safe for concurrent use.
type Gateway struct {
	Verifier IdentityVerifier
	Catalog  Catalog
	Resolver Resolver
	Issuer   Issuer
}

// Stream authorizes credential for videoID. An empty credential is an
// anonymous caller. The returned error is one of ErrUnauthenticated,
// ErrNotFound, *ForbiddenError or ErrUnavailable.
func (g *Gateway) Stream(ctx context.Context, credential, videoID string) (Grant, error) {
	grant, err := g.stream(ctx, credential, videoID)
	metrics.StreamRequests.WithLabelValues(Outcome(err)).Inc()
	return grant, err
}

func (g *Gateway) stream(ctx context.Context, credential, videoID string) (Grant, error) {
	identity, err := g.authenticate(ctx, credential)
	if err != nil {
		return Grant{}, err
	}

	video, err := g.loadVideo(ctx, videoID)
	if err != nil {
		return Grant{}, err
	}

	if err := g.resolve(ctx, identity, video); err != nil {
		return Grant{}, err
	}

	ref, err := g.issue(ctx, video)
	if err != nil {
		return Grant{}, err
	}

	grant := Grant{Reference: ref, Video: video}
	if video.PreviewRef != "" {
		preview, err := g.Issuer.PublicURL(video.PreviewRef)
		if err != nil {
			logging.FromContext(ctx).Warn("build preview url", slog.String("video_id", video.ID), slog.Any("error", err))
		} else {
			grant.PreviewURL = preview
		}
	}

	return grant, nil
}

func (g *Gateway) authenticate(ctx context.Context, credential string) (_ models.Identity, err error) {
	if credential == "" {
		return models.Identity{}, nil
	}

	ctx, span := logging.StartSpan(ctx, "gateway.authenticate")
	defer func() { span.End(err) }()

	if g.Verifier == nil {
		return models.Identity{}, unavailable("authenticate", errors.New("identity verifier not configured"))
	}

	identity, err := g.Verifier.Verify(ctx, credential)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrTokenRevoked) {
			return models.Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
		return models.Identity{}, unavailable("authenticate", err)
	}

	return identity, nil
}

func (g *Gateway) loadVideo(ctx context.Context, videoID string) (_ models.Video, err error) {
	ctx, span := logging.StartSpan(ctx, "gateway.load_video", slog.String("video_id", videoID))
	defer func() { span.End(err) }()

	if videoID == "" {
		return models.Video{}, ErrNotFound
	}
	if g.Catalog == nil {
		return models.Video{}, unavailable("load video", catalog.ErrSourceUnavailable)
	}

	video, err := g.Catalog.Get(ctx, videoID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return models.Video{}, fmt.Errorf("%w: %s", ErrNotFound, videoID)
		}
		return models.Video{}, unavailable("load video", err)
	}

	return video, nil
}

func (g *Gateway) resolve(ctx context.Context, identity models.Identity, video models.Video) (err error) {
	ctx, span := logging.StartSpan(ctx, "gateway.resolve", slog.String("access_level", video.AccessLevel.String()))
	defer func() { span.End(err) }()

	if g.Resolver == nil {
		return unavailable("resolve", entitlement.ErrSourceUnavailable)
	}

	decision := g.Resolver.Resolve(ctx, identity, video)
	switch decision.Outcome {
	case entitlement.Allowed:
		return nil
	case entitlement.Unauthenticated:
		return ErrUnauthenticated
	case entitlement.Denied:
		return &ForbiddenError{NeedsPurchase: decision.NeedsPurchase, Price: decision.Price}
	case entitlement.Unavailable:
		return unavailable("resolve", decision.Err)
	default:
		return unavailable("resolve", fmt.Errorf("unexpected outcome %v", decision.Outcome))
	}
}

func (g *Gateway) issue(ctx context.Context, video models.Video) (_ models.PlayableReference, err error) {
	ctx, span := logging.StartSpan(ctx, "gateway.issue")
	defer func() { span.End(err) }()

	if g.Issuer == nil {
		return models.PlayableReference{}, unavailable("issue", errors.New("url issuer not configured"))
	}

	ref, err := g.Issuer.Issue(ctx, video)
	if err != nil {
		return models.PlayableReference{}, unavailable("issue", err)
	}
	return ref, nil
}

// Outcome names the terminal state of a Stream call for metrics and logs.
func Outcome(err error) string {
	var forbidden *ForbiddenError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &forbidden):
		return "forbidden"
	default:
		return "unavailable"
	}
}
