// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating the caller via context

package auth

import (
	"context"

	"github.com/2389/maintdesk/internal/store"
)

// Credential schemes accepted by Access.
const (
	SchemeBearer = "bearer"
	SchemeBasic  = "basic"
	SchemeQuery  = "query"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	TelegramID int64 // 0 for the break-glass basic admin
	Name       string
	Username   string
	Role       store.Role // snapshot from the token
	Scheme     string     // how the caller authenticated
}

// IsAdmin returns true if the caller has the admin role.
func (id *Identity) IsAdmin() bool {
	return id.Role == store.RoleAdmin
}

// Ref returns the caller as an embedded user reference.
func (id *Identity) Ref() store.UserRef {
	return store.UserRef{TelegramID: id.TelegramID, Name: id.Name, Username: id.Username}
}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// MustFromContext retrieves the Identity from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Identity {
	id := FromContext(ctx)
	if id == nil {
		panic("auth: Identity not found in context")
	}
	return id
}
