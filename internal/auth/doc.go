// Package auth identifies chat users for coven-chat.
//
// Issuing identities is someone else's job. This package only verifies HS256
// JWTs signed with the configured auth.jwt_secret and reads the user ID from
// the "sub" claim.
//
// # HTTP
//
//	r.Use(auth.Middleware(auth.NewJWTProvider(auth.NewJWTVerifier(secret))))
//	r.With(auth.RequireIdentity(deny)).Get("/api/conversations", ...)
//
// Middleware never rejects; it attaches an Identity when the token is valid.
// RequireIdentity turns anonymous callers away. The token is read from the
// Authorization header, or from ?token= for WebSocket upgrades.
package auth
