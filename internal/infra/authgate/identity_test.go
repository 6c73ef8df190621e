package authgate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"mcpkit/internal/domain"
)

func TestIdentityContext(t *testing.T) {
	_, ok := IdentityFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), domain.Identity{Subject: "alice", Scopes: []string{"deploy"}})
	identity, ok := IdentityFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "alice", identity.Subject)
}
