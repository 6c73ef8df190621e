package providers

import (
	"context"

	"mcpkit/internal/domain"
)

// Static verifies tokens listed in configuration.
type Static struct {
	name   string
	bundle Bundle
}

// NewStatic creates a provider over bundle.
func NewStatic(name string, bundle Bundle) (*Static, error) {
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	return &Static{name: name, bundle: bundle}, nil
}

func (s *Static) Name() string { return s.name }

func (s *Static) Verify(_ context.Context, credential string) (domain.Identity, error) {
	return s.bundle.verify(credential)
}

func (s *Static) FetchSecrets(_ context.Context, identity domain.Identity, scope string) (map[string]string, error) {
	return s.bundle.secrets(identity.Subject, scope), nil
}

var _ domain.AuthProvider = (*Static)(nil)
