package models

import (
	"net/url"
	"time"
)

// AccessLevel describes whether a video can be streamed without an entitlement.
type AccessLevel int

const (
	// AccessPublic videos stream from a stable CDN location to anyone.
	AccessPublic AccessLevel = iota
	// AccessGated videos require a completed purchase.
	AccessGated
)

func (l AccessLevel) String() string {
	switch l {
	case AccessPublic:
		return "public"
	case AccessGated:
		return "gated"
	default:
		return "unknown"
	}
}

// User represents an account within the LessonReel platform.
type User struct {
	ID        string
	Email     string
	Password  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity is the verified caller of a playback request. The zero value is anonymous.
type Identity struct {
	UserID  string
	TokenID string
}

// Anonymous reports whether no caller was identified.
func (i Identity) Anonymous() bool {
	return i.UserID == ""
}

// Video is the catalog view of a single lesson video. It is read-only to playback.
type Video struct {
	ID          string
	Title       string
	AccessLevel AccessLevel
	// Price is expressed in minor currency units and is informational for gated videos.
	Price      int64
	ObjectKey  string
	Duration   *time.Duration
	PreviewRef string
}

// Purchase records a payment that entitles a user to a video.
type Purchase struct {
	ID         string
	UserID     string
	VideoID    string
	Amount     int64
	PaymentRef string
	Status     string
	CreatedAt  time.Time
}

const (
	PurchaseStatusCompleted = "completed"
	PurchaseStatusRefunded  = "refunded"
)

// SigningParameters are the query parameters that prove authorization for a signed URL.
type SigningParameters map[string]string

// Values converts the parameters into url.Values.
func (p SigningParameters) Values() url.Values {
	v := make(url.Values, len(p))
	for key, value := range p {
		v.Set(key, value)
	}
	return v
}

// PlayableReference is a URL a player can stream from, plus its validity window.
// A zero ExpiresAt means the reference never expires. References are never mutated;
// a refresh produces a new value.
type PlayableReference struct {
	URL               string
	IssuedAt          time.Time
	ExpiresAt         time.Time
	SigningParameters SigningParameters
}

// Expires reports whether the reference has a finite lifetime.
func (r PlayableReference) Expires() bool {
	return !r.ExpiresAt.IsZero()
}

// ExpiredAt reports whether the reference is no longer valid at t.
func (r PlayableReference) ExpiredAt(t time.Time) bool {
	return r.Expires() && !t.Before(r.ExpiresAt)
}

// ExpiresAtMillis returns the expiry as milliseconds since the epoch, 0 for never.
func (r PlayableReference) ExpiresAtMillis() int64 {
	if !r.Expires() {
		return 0
	}
	return r.ExpiresAt.UnixMilli()
}

// PresignedURL is what the object-storage capability returns for a private key.
type PresignedURL struct {
	URL               string
	SigningParameters SigningParameters
	ExpiresAt         time.Time
}

// SessionTokens groups the bearer credentials issued to authenticated users.
type SessionTokens struct {
	AccessToken     string    `json:"accessToken"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
}
