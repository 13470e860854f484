package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lessonreel/backend/internal/gateway"
	"github.com/lessonreel/backend/internal/models"
)

type gatewayStub struct {
	grant      gateway.Grant
	err        error
	credential string
	videoID    string
	calls      int
}

func (g *gatewayStub) Stream(_ context.Context, credential, videoID string) (gateway.Grant, error) {
	g.calls++
	g.credential = credential
	g.videoID = videoID
	return g.grant, g.err
}

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(string) bool { return false }

func newStreamRequest(videoID, authorization string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/video/"+videoID+"/stream", nil)
	req.SetPathValue("id", videoID)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	return req
}

func TestStreamHandlerGranted(t *testing.T) {
	issuedAt := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	duration := 90 * time.Second
	stub := &gatewayStub{grant: gateway.Grant{
		Reference: models.PlayableReference{
			URL:       "https://bucket.example.com/courses/c/master.m3u8?X-Amz-Signature=abc",
			IssuedAt:  issuedAt,
			ExpiresAt: issuedAt.Add(time.Hour),
		},
		PreviewURL: "https://cdn.example.com/posters/c.jpg",
		Video:      models.Video{ID: "gated", Title: "Concurrency", Duration: &duration},
	}}
	handler := StreamHandler{Gateway: stub}

	rec := httptest.NewRecorder()
	handler.Stream(rec, newStreamRequest("gated", "Bearer token-1"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if stub.credential != "token-1" || stub.videoID != "gated" {
		t.Fatalf("unexpected gateway call credential=%q video=%q", stub.credential, stub.videoID)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("expected no-store cache control got %q", got)
	}

	var resp streamResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ExpiresAt != issuedAt.Add(time.Hour).UnixMilli() {
		t.Fatalf("expected expiresAt in ms got %d", resp.ExpiresAt)
	}
	if resp.StreamURL == "" || resp.PreviewURL == "" || resp.VideoInfo.Title != "Concurrency" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.VideoInfo.Duration == nil || *resp.VideoInfo.Duration != 90 {
		t.Fatalf("expected duration in seconds got %v", resp.VideoInfo.Duration)
	}
}

func TestStreamHandlerPublicNeverExpires(t *testing.T) {
	stub := &gatewayStub{grant: gateway.Grant{
		Reference: models.PlayableReference{URL: "https://cdn.example.com/public/intro.m3u8"},
		Video:     models.Video{ID: "public", Title: "Intro"},
	}}
	handler := StreamHandler{Gateway: stub}

	rec := httptest.NewRecorder()
	handler.Stream(rec, newStreamRequest("public", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if stub.credential != "" {
		t.Fatalf("expected anonymous call got credential %q", stub.credential)
	}

	var raw map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if raw["expiresAt"] != float64(0) {
		t.Fatalf("expected expiresAt 0 got %v", raw["expiresAt"])
	}
	info := raw["videoInfo"].(map[string]any)
	if _, ok := info["duration"]; ok {
		t.Fatalf("expected unknown duration to be omitted: %v", info)
	}
}

func TestStreamHandlerErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"unauthenticated", gateway.ErrUnauthenticated, http.StatusUnauthorized},
		{"notFound", gateway.ErrNotFound, http.StatusNotFound},
		{"forbidden", &gateway.ForbiddenError{NeedsPurchase: true, Price: 2500}, http.StatusForbidden},
		{"unavailable", errors.Join(gateway.ErrUnavailable, errors.New("db down")), http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := StreamHandler{Gateway: &gatewayStub{err: tc.err}}
			rec := httptest.NewRecorder()
			handler.Stream(rec, newStreamRequest("gated", "Bearer token"))

			if rec.Code != tc.status {
				t.Fatalf("expected %d got %d", tc.status, rec.Code)
			}
		})
	}
}

func TestStreamHandlerForbiddenPayload(t *testing.T) {
	handler := StreamHandler{Gateway: &gatewayStub{err: &gateway.ForbiddenError{NeedsPurchase: true, Price: 2500}}}
	rec := httptest.NewRecorder()
	handler.Stream(rec, newStreamRequest("gated", "Bearer token"))

	var resp forbiddenResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.NeedsPurchase || resp.Price != 2500 || resp.Error == "" {
		t.Fatalf("unexpected forbidden payload %+v", resp)
	}
}

func TestStreamHandlerMalformedAuthorization(t *testing.T) {
	stub := &gatewayStub{}
	handler := StreamHandler{Gateway: stub}

	for _, header := range []string{"Basic dXNlcjpwYXNz", "Bearer", "Bearer    "} {
		rec := httptest.NewRecorder()
		handler.Stream(rec, newStreamRequest("gated", header))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401 got %d", header, rec.Code)
		}
	}
	if stub.calls != 0 {
		t.Fatalf("expected gateway not to be called for malformed headers")
	}
}

func TestStreamHandlerRateLimited(t *testing.T) {
	stub := &gatewayStub{}
	handler := StreamHandler{Gateway: stub, Limiter: denyAllLimiter{}}

	rec := httptest.NewRecorder()
	handler.Stream(rec, newStreamRequest("gated", ""))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", rec.Code)
	}
	if stub.calls != 0 {
		t.Fatalf("expected limited request to skip the gateway")
	}
}

func TestStreamHandlerRoutes(t *testing.T) {
	stub := &gatewayStub{grant: gateway.Grant{Reference: models.PlayableReference{URL: "https://cdn.example.com/x"}}}
	mux := http.NewServeMux()
	RegisterRoutes(mux, Dependencies{Gateway: stub})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video/abc-123/stream", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if stub.videoID != "abc-123" {
		t.Fatalf("expected path value to reach the gateway got %q", stub.videoID)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/video/abc-123/stream", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST got %d", rec.Code)
	}
}
