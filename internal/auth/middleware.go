package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionCookieName is the name of the session cookie issued at login.
const SessionCookieName = "loom_session"

// AuthenticatedUser is the identity data resolved by the credential store.
type AuthenticatedUser struct {
	UserID      uuid.UUID
	Name        string
	Email       string
	IsActive    bool
	TokenScopes []string // nil unless authenticated via API token
	ExpiresAt   *time.Time
}

// CredentialStore resolves credentials to users. Implemented by the identity
// package's store.
type CredentialStore interface {
	// UserByAPITokenHash resolves an API token hash to its user and scopes.
	UserByAPITokenHash(ctx context.Context, tokenHash string) (*AuthenticatedUser, error)
	// UserBySessionTokenHash resolves a session cookie hash to its user.
	UserBySessionTokenHash(ctx context.Context, tokenHash string) (*AuthenticatedUser, error)
	// UserByPassword resolves HTTP Basic credentials. The password may also
	// be a raw API token (repository protocol convention).
	UserByPassword(ctx context.Context, username, password string) (*AuthenticatedUser, error)
}

// Middleware authenticates each request via bearer token, session cookie, or
// HTTP Basic and stores the resulting Identity in the request context.
// Requests referencing a deactivated or expired credential are rejected 401.
func Middleware(store CredentialStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, method := resolve(r, store, logger)
			if user == nil {
				respondUnauthorized(w)
				return
			}
			if !user.IsActive {
				respondUnauthorized(w)
				return
			}
			if user.ExpiresAt != nil && user.ExpiresAt.Before(time.Now()) {
				respondUnauthorized(w)
				return
			}

			identity := &Identity{
				UserID:      user.UserID,
				Name:        user.Name,
				Email:       user.Email,
				TokenScopes: user.TokenScopes,
				Method:      method,
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func resolve(r *http.Request, store CredentialStore, logger *slog.Logger) (*AuthenticatedUser, string) {
	ctx := r.Context()

	// 1. Bearer API token.
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		user, err := store.UserByAPITokenHash(ctx, HashToken(raw))
		if err != nil {
			logger.Debug("bearer token authentication failed", "error", err)
			return nil, ""
		}
		return user, MethodToken
	}

	// 2. HTTP Basic (repository protocol): password or raw API token.
	if username, password, ok := r.BasicAuth(); ok {
		user, err := store.UserByPassword(ctx, username, password)
		if err != nil {
			logger.Debug("basic authentication failed", "user", username, "error", err)
			return nil, ""
		}
		return user, MethodBasic
	}

	// 3. Session cookie.
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		user, err := store.UserBySessionTokenHash(ctx, HashToken(cookie.Value))
		if err != nil {
			logger.Debug("session authentication failed", "error", err)
			return nil, ""
		}
		return user, MethodSession
	}

	return nil, ""
}

func respondUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}
