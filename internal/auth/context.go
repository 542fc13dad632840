// ABOUTME: Authenticated user carried through request handlers via context
// ABOUTME: Provides WithUser/UserFromContext for HTTP and WebSocket handlers

package auth

import (
	"context"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Name   string
	Role   string
}

type identityKey struct{}

// WithUser returns a context carrying id.
func WithUser(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// UserFromContext returns the caller, or nil when the request is unauthenticated.
func UserFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
