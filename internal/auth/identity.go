package auth

import (
	"context"

	"github.com/google/uuid"
)

// Authentication methods.
const (
	MethodSession = "session"
	MethodToken   = "token"
	MethodBasic   = "basic"
)

// Identity is the authenticated caller stored in the request context.
type Identity struct {
	UserID uuid.UUID
	Name   string
	Email  string
	// TokenScopes is nil for session authentication. For API tokens it
	// carries the token's scope list; permission checks intersect with it.
	TokenScopes []string
	Method      string
}

type contextKey struct{}

// WithIdentity stores the identity in the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFromContext returns the authenticated identity, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextKey{}).(*Identity)
	return id
}
