// ABOUTME: Identity context for tracking the caller through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating the user via context

package auth

import (
	"context"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID string
}

// identityContextKey is the key type for storing Identity in context.Context.
type identityContextKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil for
// anonymous callers.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey{}).(*Identity)
	return id
}

// UserID returns the caller's user ID, or "" for anonymous callers.
func UserID(ctx context.Context) string {
	if id := FromContext(ctx); id != nil {
		return id.UserID
	}
	return ""
}
