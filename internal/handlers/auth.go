package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/lessonreel/backend/internal/auth"
	"github.com/lessonreel/backend/internal/logging"
	"github.com/lessonreel/backend/internal/models"
	"github.com/lessonreel/backend/internal/repositories"
)

// decoyHash is compared against when the email is unknown so both failure
// paths pay for one bcrypt comparison.
var decoyHash, _ = bcrypt.GenerateFromPassword([]byte("lessonreel-decoy"), bcrypt.DefaultCost)

// AuthHandler implements credential issuance and revocation endpoints.
type AuthHandler struct {
	Users   UserStore
	Tokens  TokenService
	Limiter RateLimiter
}

// authFailure is a client-facing auth error. A non-nil cause is a server
// fault and gets reported.
type authFailure struct {
	status  int
	message string
	cause   error
}

func (h AuthHandler) fail(ctx context.Context, w http.ResponseWriter, op string, f authFailure) {
	if f.cause != nil {
		logging.FromContext(ctx).Error(op+" failed", "error", f.cause)
		reportError(ctx, f.cause, map[string]string{"operation": op})
	}
	respondJSON(ctx, w, f.status, map[string]string{"error": f.message})
}

// Login handles POST /api/v1/auth/login.
func (h AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	if !allowRequest(h.Limiter, r, "login") {
		h.fail(ctx, w, "login", authFailure{status: http.StatusTooManyRequests, message: "too many login attempts"})
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(ctx, w, "login", authFailure{status: http.StatusBadRequest, message: "invalid request body"})
		return
	}

	user, failure := h.checkCredentials(ctx, req)
	if failure != nil {
		h.fail(ctx, w, "login", *failure)
		return
	}

	tokens, err := h.Tokens.Issue(ctx, user.ID)
	if err != nil {
		h.fail(ctx, w, "login", authFailure{status: http.StatusInternalServerError, message: "failed to create session", cause: err})
		return
	}

	logging.FromContext(ctx).Info("login succeeded", "userId", user.ID)
	respondJSON(ctx, w, http.StatusOK, authResponse{Tokens: tokens})
}

func (h AuthHandler) checkCredentials(ctx context.Context, req loginRequest) (models.User, *authFailure) {
	if h.Users == nil || h.Tokens == nil {
		return models.User{}, &authFailure{
			status:  http.StatusInternalServerError,
			message: "authentication services unavailable",
			cause:   errors.New("auth handler missing dependencies"),
		}
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return models.User{}, &authFailure{status: http.StatusBadRequest, message: "email and password are required"}
	}

	invalid := &authFailure{status: http.StatusUnauthorized, message: "invalid credentials"}

	user, err := h.Users.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		_ = bcrypt.CompareHashAndPassword(decoyHash, []byte(req.Password))
		return models.User{}, invalid
	case err != nil:
		return models.User{}, &authFailure{status: http.StatusServiceUnavailable, message: "authentication services unavailable", cause: err}
	}

	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
		logging.FromContext(ctx).Warn("login password mismatch", "userId", user.ID)
		return models.User{}, invalid
	}
	return user, nil
}

// Logout handles POST /api/v1/auth/logout by revoking the presented bearer token.
func (h AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	if h.Tokens == nil {
		h.fail(ctx, w, "logout", authFailure{
			status:  http.StatusInternalServerError,
			message: "authentication services unavailable",
			cause:   errors.New("auth handler missing token service"),
		})
		return
	}

	token, err := bearerToken(r)
	if err != nil || token == "" {
		h.fail(ctx, w, "logout", authFailure{status: http.StatusUnauthorized, message: "bearer token is required"})
		return
	}

	switch err := h.Tokens.Revoke(ctx, token); {
	case errors.Is(err, auth.ErrInvalidToken):
		h.fail(ctx, w, "logout", authFailure{status: http.StatusUnauthorized, message: "invalid access token"})
	case err != nil:
		h.fail(ctx, w, "logout", authFailure{status: http.StatusServiceUnavailable, message: "unable to revoke session", cause: err})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Tokens models.SessionTokens `json:"tokens"`
}
