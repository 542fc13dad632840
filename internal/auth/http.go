// ABOUTME: HTTP middleware authenticating chat users with JWT bearer tokens
// ABOUTME: WebSocket upgrades may pass the token as a query parameter instead

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/coven-chat/internal/store"
)

// UserLookup resolves a verified user id against the identity directory.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// extractToken reads the bearer token from the Authorization header, falling
// back to the token query parameter. Returns an error message when absent.
func extractToken(r *http.Request) (string, string) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return "", "invalid authorization header format"
		}
		if token == "" {
			return "", "empty token"
		}
		return token, ""
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}
	return "", "missing authorization header"
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": "UNAUTHENTICATED"})
}

// HTTPAuthMiddleware verifies the caller's token, loads their profile and adds
// an Identity to the request context. Pass nil logger for default.
func HTTPAuthMiddleware(users UserLookup, verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractToken(r)
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			userID, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				logger.Debug("token rejected", "error", err)
				writeAuthError(w, http.StatusUnauthorized, msg)
				return
			}

			user, err := users.GetUser(r.Context(), userID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					writeAuthError(w, http.StatusUnauthorized, "unknown user")
					return
				}
				logger.Error("failed to load user", "user_id", userID, "error", err)
				writeAuthError(w, http.StatusServiceUnavailable, "identity directory unavailable")
				return
			}

			id := &Identity{UserID: user.ID, Name: user.Name, Role: user.Role}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), id)))
		})
	}
}
