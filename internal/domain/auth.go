package domain

import "context"

// Identity is the principal resolved from a verified credential.
type Identity struct {
	Subject string
	Scopes  []string
	Claims  map[string]any
}

// AuthProvider verifies credentials and serves per-identity secrets.
type AuthProvider interface {
	Name() string
	Verify(ctx context.Context, credential string) (Identity, error)
	FetchSecrets(ctx context.Context, identity Identity, scope string) (map[string]string, error)
}
