package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/lessonreel/backend/internal/gateway"
	"github.com/lessonreel/backend/internal/logging"
)

// StreamHandler exposes the playback gateway over HTTP.
type StreamHandler struct {
	Gateway StreamGateway
	Limiter RateLimiter
}

type streamResponse struct {
	StreamURL  string    `json:"streamUrl"`
	ExpiresAt  int64     `json:"expiresAt"`
	PreviewURL string    `json:"previewUrl"`
	VideoInfo  videoInfo `json:"videoInfo"`
}

type videoInfo struct {
	Title string `json:"title"`
	// Duration is in seconds and omitted when unknown.
	Duration *float64 `json:"duration,omitempty"`
}

type forbiddenResponse struct {
	Error         string `json:"error"`
	NeedsPurchase bool   `json:"needsPurchase"`
	Price         int64  `json:"price"`
}

// Stream handles GET /video/{id}/stream.
func (h StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if !allowRequest(h.Limiter, r, "stream") {
		respondJSON(ctx, w, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
		return
	}

	if h.Gateway == nil {
		logger.Error("stream gateway unavailable")
		respondJSON(ctx, w, http.StatusServiceUnavailable, map[string]string{"error": "playback temporarily unavailable"})
		return
	}

	videoID := strings.TrimSpace(r.PathValue("id"))
	if videoID == "" {
		respondJSON(ctx, w, http.StatusNotFound, map[string]string{"error": "video not found"})
		return
	}

	credential, err := bearerToken(r)
	if err != nil {
		respondJSON(ctx, w, http.StatusUnauthorized, map[string]string{"error": "invalid authorization header"})
		return
	}

	grant, err := h.Gateway.Stream(ctx, credential, videoID)
	if err != nil {
		h.respondError(w, r, videoID, err)
		return
	}

	resp := streamResponse{
		StreamURL:  grant.Reference.URL,
		ExpiresAt:  grant.Reference.ExpiresAtMillis(),
		PreviewURL: grant.PreviewURL,
		VideoInfo:  videoInfo{Title: grant.Video.Title},
	}
	if grant.Video.Duration != nil {
		seconds := grant.Video.Duration.Seconds()
		resp.VideoInfo.Duration = &seconds
	}

	w.Header().Set("Cache-Control", "no-store")
	respondJSON(ctx, w, http.StatusOK, resp)
}

func (h StreamHandler) respondError(w http.ResponseWriter, r *http.Request, videoID string, err error) {
	ctx := r.Context()

	var forbidden *gateway.ForbiddenError
	switch {
	case errors.Is(err, gateway.ErrUnauthenticated):
		w.Header().Set("WWW-Authenticate", `Bearer realm="lessonreel"`)
		respondJSON(ctx, w, http.StatusUnauthorized, map[string]string{"error": "sign in required"})
	case errors.Is(err, gateway.ErrNotFound):
		respondJSON(ctx, w, http.StatusNotFound, map[string]string{"error": "video not found"})
	case errors.As(err, &forbidden):
		respondJSON(ctx, w, http.StatusForbidden, forbiddenResponse{
			Error:         "purchase required",
			NeedsPurchase: forbidden.NeedsPurchase,
			Price:         forbidden.Price,
		})
	default:
		logging.FromContext(ctx).Error("stream authorization failed", "videoId", videoID, "error", err)
		reportError(ctx, err, map[string]string{"operation": "stream", "video_id": videoID})
		respondJSON(ctx, w, http.StatusServiceUnavailable, map[string]string{"error": "playback temporarily unavailable"})
	}
}
