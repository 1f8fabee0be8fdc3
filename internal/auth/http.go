// ABOUTME: HTTP middleware that resolves the caller identity from a JWT
// ABOUTME: Token comes from the Authorization header or the token query parameter

package auth

import (
	"net/http"
	"strings"
)

// IdentityProvider resolves the caller of an HTTP request. A nil Identity
// with a nil error means anonymous.
type IdentityProvider interface {
	Identify(r *http.Request) (*Identity, error)
}

// JWTProvider identifies callers by a JWT bearer token.
type JWTProvider struct {
	verifier TokenVerifier
}

// NewJWTProvider creates a provider backed by verifier.
func NewJWTProvider(verifier TokenVerifier) *JWTProvider {
	return &JWTProvider{verifier: verifier}
}

// Identify returns nil, nil when the request carries no token.
func (p *JWTProvider) Identify(r *http.Request) (*Identity, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return nil, nil
	}
	userID, err := p.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: userID}, nil
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the "token" query parameter. Browsers cannot set headers
// on a WebSocket upgrade.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("token")
}

// Middleware attaches the caller's Identity to the request context when the
// request carries a valid token. Invalid or missing tokens continue as
// anonymous; handlers decide whether that is allowed.
func Middleware(provider IdentityProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := provider.Identify(r)
			if err != nil || id == nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireIdentity rejects anonymous requests with deny. Must be used after
// Middleware.
func RequireIdentity(deny http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if FromContext(r.Context()) == nil {
				deny(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
