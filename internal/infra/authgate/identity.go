package authgate

import (
	"context"

	"mcpkit/internal/domain"
)

type identityKey struct{}

// WithIdentity returns a context carrying the identity a call was authorized as.
func WithIdentity(ctx context.Context, identity domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the caller of a secured capability. Public
// capabilities run without one.
func IdentityFromContext(ctx context.Context) (domain.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(domain.Identity)
	return identity, ok
}
