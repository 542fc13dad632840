// Package auth authenticates chat users.
//
// Users present an HS256 JWT whose sub claim is their user id. Tokens are
// minted by the coven-chat token command or by an external identity service
// sharing the same secret.
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(store, verifier, logger)(api))
//
// The middleware reads the Authorization header, or the token query
// parameter for WebSocket upgrades where browsers cannot set headers. A valid
// token for a user missing from the directory is rejected.
//
// Handlers read the caller with UserFromContext.
package auth
