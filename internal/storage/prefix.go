package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lessonreel/backend/internal/config"
	"github.com/lessonreel/backend/internal/models"
)

// Query parameters carried by prefix-signed URLs.
const (
	ParamAlgorithm  = "X-Lr-Algorithm"
	ParamCredential = "X-Lr-Credential"
	ParamDate       = "X-Lr-Date"
	ParamExpires    = "X-Lr-Expires"
	ParamNonce      = "X-Lr-Nonce"
	ParamSignature  = "X-Lr-Signature"

	prefixAlgorithm = "LR-HMAC-SHA256"
)

var (
	// ErrInvalidSignature indicates the signature does not cover the requested path.
	ErrInvalidSignature = errors.New("invalid url signature")
	// ErrSignatureExpired indicates the signature window has lapsed.
	ErrSignatureExpired = errors.New("url signature expired")
)

// PrefixSigner signs the directory of an object key so that the same parameters
// authorize every sibling object, which is what adaptive-streaming segments need.
type PrefixSigner struct {
	baseURL string
	keyID   string
	secret  []byte
	now     func() time.Time
	nonce   func() string
}

// NewPrefixSigner constructs a signer for the CDN edge.
func NewPrefixSigner(cfg config.CDNConfig) (*PrefixSigner, error) {
	if cfg.SigningSecret == "" {
		return nil, fmt.Errorf("prefix signer: signing secret is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("prefix signer: invalid base url %q: %w", cfg.BaseURL, err)
	}
	keyID := cfg.SigningKeyID
	if keyID == "" {
		keyID = "default"
	}
	return &PrefixSigner{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		keyID:   keyID,
		secret:  []byte(cfg.SigningSecret),
		now:     time.Now,
		nonce:   uuid.NewString,
	}, nil
}

// PresignRead returns a URL for key whose signature covers key's directory.
func (s *PrefixSigner) PresignRead(_ context.Context, key string, validity time.Duration) (models.PresignedURL, error) {
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return models.PresignedURL{}, fmt.Errorf("prefix signer: empty key")
	}
	expires := int64(validity / time.Second)
	if expires <= 0 {
		return models.PresignedURL{}, fmt.Errorf("prefix signer: validity must be at least one second")
	}

	signedAt := s.now().UTC().Truncate(time.Second)
	prefix := SigningPrefix("/" + key)
	nonce := s.nonce()

	params := models.SigningParameters{
		ParamAlgorithm:  prefixAlgorithm,
		ParamCredential: s.keyID + prefix,
		ParamDate:       strconv.FormatInt(signedAt.Unix(), 10),
		ParamExpires:    strconv.FormatInt(expires, 10),
		ParamNonce:      nonce,
		ParamSignature:  computeSignature(s.secret, prefix, signedAt.Unix(), expires, nonce),
	}

	return models.PresignedURL{
		URL:               s.baseURL + "/" + key + "?" + params.Values().Encode(),
		SigningParameters: params,
		ExpiresAt:         signedAt.Add(time.Duration(expires) * time.Second),
	}, nil
}

// SigningPrefix returns the directory that a signature for objectPath covers.
func SigningPrefix(objectPath string) string {
	dir := path.Dir(path.Clean("/" + strings.TrimLeft(objectPath, "/")))
	if dir == "/" {
		return "/"
	}
	return dir + "/"
}

// VerifySignedPath validates prefix-signed parameters for an object path
// (relative to the CDN base, with a leading slash).
func VerifySignedPath(secret []byte, objectPath string, query url.Values, now time.Time) error {
	if query.Get(ParamAlgorithm) != prefixAlgorithm {
		return ErrInvalidSignature
	}

	credential := query.Get(ParamCredential)
	slash := strings.Index(credential, "/")
	if slash <= 0 {
		return ErrInvalidSignature
	}
	prefix := credential[slash:]

	cleaned := path.Clean("/" + strings.TrimLeft(objectPath, "/"))
	if !strings.HasPrefix(cleaned, prefix) {
		return ErrInvalidSignature
	}

	signedAt, err := strconv.ParseInt(query.Get(ParamDate), 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	expires, err := strconv.ParseInt(query.Get(ParamExpires), 10, 64)
	if err != nil || expires <= 0 {
		return ErrInvalidSignature
	}

	expected := computeSignature(secret, prefix, signedAt, expires, query.Get(ParamNonce))
	if !hmac.Equal([]byte(expected), []byte(query.Get(ParamSignature))) {
		return ErrInvalidSignature
	}

	if now.Unix() >= signedAt+expires {
		return ErrSignatureExpired
	}
	return nil
}

func computeSignature(secret []byte, prefix string, signedAt, expires int64, nonce string) string {
	msg := fmt.Sprintf("%s|%d|%d|%s", prefix, signedAt, expires, nonce)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
