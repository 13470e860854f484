package playback

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lessonreel/backend/internal/gateway"
	"github.com/lessonreel/backend/internal/models"
)

const maxGatewayResponse = 1 << 20

// TokenSource supplies the caller's bearer credential. Persisting it between
// calls is the caller's concern.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed credential. The empty token means anonymous.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// HTTPGateway calls the stream endpoint of a running gateway and maps its
// responses back onto the gateway error taxonomy.
type HTTPGateway struct {
	BaseURL string
	Client  *http.Client
	Tokens  TokenSource
	NowFunc func() time.Time
}

type streamPayload struct {
	StreamURL  string `json:"streamUrl"`
	ExpiresAt  int64  `json:"expiresAt"`
	PreviewURL string `json:"previewUrl"`
	VideoInfo  struct {
		Title    string   `json:"title"`
		Duration *float64 `json:"duration"`
	} `json:"videoInfo"`
}

type forbiddenPayload struct {
	Error         string `json:"error"`
	NeedsPurchase bool   `json:"needsPurchase"`
	Price         int64  `json:"price"`
}

// Stream implements Gateway.
func (g *HTTPGateway) Stream(ctx context.Context, videoID string) (Grant, error) {
	endpoint, err := url.JoinPath(g.BaseURL, "video", url.PathEscape(videoID), "stream")
	if err != nil {
		return Grant{}, fmt.Errorf("build stream url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Grant{}, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if g.Tokens != nil {
		token, err := g.Tokens.Token(ctx)
		if err != nil {
			return Grant{}, fmt.Errorf("%w: obtain credential: %w", gateway.ErrUnauthenticated, err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := g.client().Do(req)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %w", gateway.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGatewayResponse))
	if err != nil {
		return Grant{}, fmt.Errorf("%w: read stream response: %w", gateway.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return g.decodeGrant(body)
	case resp.StatusCode == http.StatusUnauthorized:
		return Grant{}, gateway.ErrUnauthenticated
	case resp.StatusCode == http.StatusNotFound:
		return Grant{}, fmt.Errorf("%w: %s", gateway.ErrNotFound, videoID)
	case resp.StatusCode == http.StatusForbidden:
		var payload forbiddenPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return Grant{}, fmt.Errorf("%w: decode forbidden response: %w", gateway.ErrUnavailable, err)
		}
		return Grant{}, &gateway.ForbiddenError{NeedsPurchase: payload.NeedsPurchase, Price: payload.Price}
	default:
		return Grant{}, fmt.Errorf("%w: gateway returned %s", gateway.ErrUnavailable, resp.Status)
	}
}

func (g *HTTPGateway) decodeGrant(body []byte) (Grant, error) {
	var payload streamPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Grant{}, fmt.Errorf("%w: decode stream response: %w", gateway.ErrUnavailable, err)
	}
	if payload.StreamURL == "" {
		return Grant{}, fmt.Errorf("%w: stream response without url", gateway.ErrUnavailable)
	}

	ref := models.PlayableReference{URL: payload.StreamURL, IssuedAt: g.now()}
	if payload.ExpiresAt > 0 {
		ref.ExpiresAt = time.UnixMilli(payload.ExpiresAt).UTC()
		params, err := SigningParametersFromURL(payload.StreamURL)
		if err != nil {
			return Grant{}, fmt.Errorf("%w: %w", gateway.ErrUnavailable, err)
		}
		ref.SigningParameters = params
	}

	grant := Grant{Reference: ref, PreviewURL: payload.PreviewURL, Title: payload.VideoInfo.Title}
	if payload.VideoInfo.Duration != nil {
		d := time.Duration(*payload.VideoInfo.Duration * float64(time.Second))
		grant.Duration = &d
	}
	return grant, nil
}

// signerParamPrefixes name the query parameters produced by the gateway's
// signers (SigV4 presigning and the CDN prefix signer).
var signerParamPrefixes = []string{"x-amz-", "x-lr-"}

// SigningParametersFromURL extracts the signer's query parameters (algorithm,
// credential, date, expiry, nonce, signature) so they can be reapplied to
// sibling resources. Other query parameters are dropped. It returns nil when
// the URL carries no signature.
func SigningParametersFromURL(rawURL string) (models.SigningParameters, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse signed url: %w", err)
	}
	var params models.SigningParameters
	for key, values := range u.Query() {
		if len(values) == 0 || !isSignerParam(key) {
			continue
		}
		if params == nil {
			params = models.SigningParameters{}
		}
		params[key] = values[0]
	}
	return params, nil
}

func isSignerParam(key string) bool {
	lower := strings.ToLower(key)
	for _, prefix := range signerParamPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func (g *HTTPGateway) client() *http.Client {
	if g.Client != nil {
		return g.Client
	}
	return http.DefaultClient
}

func (g *HTTPGateway) now() time.Time {
	if g.NowFunc != nil {
		return g.NowFunc()
	}
	return time.Now().UTC()
}
