package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/homebase/internal/auth"
	"github.com/dukerupert/homebase/internal/family"
)

// Authenticator resolves a bearer token to a member.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.AuthContext, error)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	// Browsers cannot set headers on a websocket handshake.
	return r.URL.Query().Get("access_token")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// RequireMember validates the bearer token and populates AuthContext. IPs that
// keep presenting bad tokens are rate limited.
func RequireMember(authn Authenticator, limiter *RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "auth:" + RealIP(r)
			if blocked, retryAfter := limiter.Blocked(key, AuthFailurePolicy); blocked {
				tooManyRequests(w, retryAfter, "too many failed attempts")
				return
			}

			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			ac, err := authn.Authenticate(r.Context(), token)
			if err != nil {
				if errors.Is(err, family.ErrInvalidToken) {
					limiter.Fail(key, AuthFailurePolicy)
					writeError(w, http.StatusUnauthorized, "invalid token")
					return
				}
				logger.Error("authenticate", "error", err)
				writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithAuth(r.Context(), ac)))
		})
	}
}

// RequireParent checks that the authenticated member is a parent.
func RequireParent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsParent(r.Context()) {
			writeError(w, http.StatusForbidden, "parents only")
			return
		}
		next.ServeHTTP(w, r)
	})
}
