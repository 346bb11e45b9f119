// Package auth provides authentication and authorization for maintdesk.
//
// # Token Codec
//
// Session tokens are HS256 JWTs signed with the configured jwt_secret:
//
//	codec, err := NewJWTCodec(secret, WithIssuer("maintdesk"))
//	tok, err := codec.Issue(user, time.Hour)
//	claims, err := codec.Verify(tok.Value)
//
// Claims carry the telegram id (sub), the role at issuance, display name,
// username, iat, exp, iss and typ=access. Verification needs no lookup.
// A token is valid strictly before exp; every failure wraps ErrInvalidToken.
//
// # Access Control
//
// Access.Authorize is the single gate for protected operations. It accepts
//
//   - Bearer tokens from the Authorization header
//   - the same token passed as a query parameter (media fetches only)
//   - Basic credentials for the break-glass admin, checked with bcrypt
//
// and fails with ErrUnauthorized when no valid credential is present or
// the user has been deactivated, and with ErrForbidden when the role is
// insufficient. The role comes from the token; deactivation is read from
// the user directory through an expirable LRU cache, so it takes effect
// within identity_cache_ttl (immediately on the instance that performed
// it, via Invalidate).
//
// # HTTP
//
//	r.With(access.Require(store.RoleAdmin)).Post("/users", h.createUser)
//
// Require stores the Identity in the request context; handlers read it
// with FromContext.
package auth
