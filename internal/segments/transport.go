// Package segments authorizes the sibling requests an adaptive-streaming
// engine makes after fetching a signed manifest. A Transport re-attaches the
// manifest's signing parameters to every request under the manifest's
// directory and turns authorization failures into a reference refresh.
package segments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/lessonreel/backend/internal/models"
)

// ErrExpiredReference reports that storage rejected a segment request because
// the signing parameters no longer authorize it.
var ErrExpiredReference = errors.New("segment authorization expired")

// ExpiredReferenceError describes a segment request that could not be
// re-authorized. It matches ErrExpiredReference and unwraps to the refresh
// failure, if any.
type ExpiredReferenceError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ExpiredReferenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (status %d): %v", ErrExpiredReference, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s (status %d)", ErrExpiredReference, e.URL, e.StatusCode)
}

func (e *ExpiredReferenceError) Unwrap() error { return e.Err }

func (e *ExpiredReferenceError) Is(target error) bool { return target == ErrExpiredReference }

// Refresher obtains a new playable reference. playback.Session satisfies it.
type Refresher interface {
	Refresh(ctx context.Context) (models.PlayableReference, error)
}

// Transport is an http.RoundTripper that signs segment requests.
type Transport struct {
	Base      http.RoundTripper
	Refresher Refresher
	Logger    *slog.Logger

	mu     sync.RWMutex
	scheme string
	host   string
	prefix string
	params url.Values
}

// NewTransport wraps base, which defaults to http.DefaultTransport.
func NewTransport(base http.RoundTripper, refresher Refresher) *Transport {
	return &Transport{Base: base, Refresher: refresher}
}

// Apply scopes the transport to ref's directory and remembers its signing
// parameters. A reference without parameters (public content) clears them.
func (t *Transport) Apply(ref models.PlayableReference) error {
	u, err := url.Parse(ref.URL)
	if err != nil {
		return fmt.Errorf("parse reference url: %w", err)
	}

	params := ref.SigningParameters.Values()
	if len(params) == 0 {
		params = u.Query()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.scheme = u.Scheme
	t.host = u.Host
	t.prefix = directoryOf(u.EscapedPath())
	t.params = params
	return nil
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	signed, inScope := t.authorize(req)
	resp, err := t.base().RoundTrip(signed)
	if err != nil || !inScope || !isAuthorizationFailure(resp.StatusCode) {
		return resp, err
	}

	status := resp.StatusCode
	discard(resp)

	if t.Refresher == nil || !replayable(req) {
		return nil, &ExpiredReferenceError{URL: redact(req.URL), StatusCode: status}
	}

	t.logger().Info("segment authorization rejected, refreshing reference",
		slog.String("url", redact(req.URL)),
		slog.Int("status", status),
	)

	ref, err := t.Refresher.Refresh(req.Context())
	if err != nil {
		return nil, &ExpiredReferenceError{URL: redact(req.URL), StatusCode: status, Err: err}
	}
	if err := t.Apply(ref); err != nil {
		return nil, &ExpiredReferenceError{URL: redact(req.URL), StatusCode: status, Err: err}
	}

	retry, err := rewind(req)
	if err != nil {
		return nil, err
	}
	signed, inScope = t.authorize(retry)
	resp, err = t.base().RoundTrip(signed)
	if err != nil || !inScope || !isAuthorizationFailure(resp.StatusCode) {
		return resp, err
	}

	status = resp.StatusCode
	discard(resp)
	return nil, &ExpiredReferenceError{URL: redact(req.URL), StatusCode: status}
}

// authorize returns a copy of req carrying the signing parameters when req
// targets the current reference's directory.
func (t *Transport) authorize(req *http.Request) (*http.Request, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.params) == 0 || !t.inScopeLocked(req.URL) {
		return req, false
	}

	out := req.Clone(req.Context())
	query := out.URL.Query()
	for key, values := range t.params {
		query[key] = append([]string(nil), values...)
	}
	out.URL.RawQuery = query.Encode()
	return out, true
}

func (t *Transport) inScopeLocked(u *url.URL) bool {
	if !strings.EqualFold(u.Scheme, t.scheme) || !strings.EqualFold(u.Host, t.host) {
		return false
	}
	cleaned := path.Clean("/" + strings.TrimLeft(u.EscapedPath(), "/"))
	return strings.HasPrefix(cleaned, t.prefix) || cleaned+"/" == t.prefix
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

func directoryOf(escapedPath string) string {
	dir := path.Dir(path.Clean("/" + strings.TrimLeft(escapedPath, "/")))
	if dir == "/" {
		return "/"
	}
	return dir + "/"
}

func isAuthorizationFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind request body: %w", err)
	}
	out := req.Clone(req.Context())
	out.Body = body
	return out, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

// redact drops the query so signatures never reach logs or errors.
func redact(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.Fragment = ""
	return c.String()
}
