package authgate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpkit/internal/domain"
	"mcpkit/internal/infra/authgate/providers"
)

const discovery = "https://mcp.example.com/.well-known/oauth-protected-resource"

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	static, err := providers.NewStatic("static", providers.Bundle{
		Grants: []providers.Grant{
			{Token: "deployer", Subject: "alice", Scopes: []string{"deploy"}},
			{Token: "reader", Subject: "bob", Scopes: []string{"read"}},
		},
		Secrets: map[string]map[string]map[string]string{
			"alice": {"proj-1": {"API_KEY": "k1"}},
		},
	})
	require.NoError(t, err)
	return New([]domain.AuthProvider{static}, Options{DiscoveryURL: discovery})
}

func secured(scopeKey string, scopes ...string) *domain.RouteEntry {
	return &domain.RouteEntry{
		Name:     "deploy",
		Kind:     domain.CapabilityTool,
		Security: &domain.SecurityRequirement{Provider: "static", Scopes: scopes, ScopeKey: scopeKey},
	}
}

func TestCheck_PublicEntryPasses(t *testing.T) {
	gate := newTestGate(t)

	outcome, err := gate.Check(context.Background(), &domain.RouteEntry{Name: "ping"}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, StateAuthorized, outcome.State)
	assert.Nil(t, outcome.Challenge)
}

func TestCheck_MissingCredentialChallenges(t *testing.T) {
	gate := newTestGate(t)

	outcome, err := gate.Check(context.Background(), secured("", "deploy"), "", nil)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, outcome.State)
	require.NotNil(t, outcome.Challenge)
	assert.Equal(t, discovery, outcome.Challenge.DiscoveryURL)
	assert.Equal(t, domain.ChallengeInvalidRequest, outcome.Challenge.ErrorCode)
	assert.Equal(t, []string{"deploy"}, outcome.Challenge.RequiredScopes)
}

func TestCheck_InvalidCredentialChallenges(t *testing.T) {
	gate := newTestGate(t)

	for _, credential := range []string{"Bearer nope", "Basic ZGVwbG95ZXI="} {
		outcome, err := gate.Check(context.Background(), secured("", "deploy"), credential, nil)
		require.NoError(t, err)
		require.NotNil(t, outcome.Challenge, credential)
	}

	outcome, _ := gate.Check(context.Background(), secured("", "deploy"), "Bearer nope", nil)
	assert.Equal(t, domain.ChallengeInvalidToken, outcome.Challenge.ErrorCode)
}

func TestCheck_InsufficientScope(t *testing.T) {
	gate := newTestGate(t)

	outcome, err := gate.Check(context.Background(), secured("", "deploy"), "Bearer reader", nil)
	require.NoError(t, err)
	require.NotNil(t, outcome.Challenge)
	assert.Equal(t, domain.ChallengeInsufficientScope, outcome.Challenge.ErrorCode)
}

func TestCheck_FetchesScopedSecrets(t *testing.T) {
	gate := newTestGate(t)

	outcome, err := gate.Check(context.Background(), secured("projectId", "deploy"), "Bearer deployer", json.RawMessage(`{"projectId":"proj-1"}`))
	require.NoError(t, err)
	assert.Equal(t, StateAuthorized, outcome.State)
	assert.Equal(t, "alice", outcome.Identity.Subject)
	assert.Equal(t, map[string]string{"API_KEY": "k1"}, outcome.Secrets)
}

func TestCheck_MissingScopeArgument(t *testing.T) {
	gate := newTestGate(t)

	_, err := gate.Check(context.Background(), secured("projectId"), "deployer", json.RawMessage(`{}`))
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "projectId", verr.Fields[0].Field)
}

func TestCheckRoutes(t *testing.T) {
	gate := newTestGate(t)
	entries := []*domain.RouteEntry{
		{Name: "ping"},
		secured(""),
		{Name: "other", Security: &domain.SecurityRequirement{Provider: "ghost"}},
	}

	err := gate.CheckRoutes(entries)
	require.ErrorIs(t, err, domain.ErrUnknownProvider)
	assert.Contains(t, err.Error(), `"ghost" required by other`)
	assert.Equal(t, []string{"static"}, gate.Providers())
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"":               "",
		"abc":            "abc",
		"Bearer abc":     "abc",
		"bearer  abc ":   "abc",
		"Basic dXNlcg==": "",
	}
	for in, want := range cases {
		assert.Equal(t, want, BearerToken(in), in)
	}
}

func TestMissingCredentialChallenge(t *testing.T) {
	gate := newTestGate(t)

	assert.Nil(t, gate.MissingCredentialChallenge(&domain.RouteEntry{Name: "ping"}))
	challenge := gate.MissingCredentialChallenge(secured("", "deploy"))
	require.NotNil(t, challenge)
	assert.Equal(t, `Bearer resource_metadata="`+discovery+`", error="invalid_request", scope="deploy"`, challenge.WWWAuthenticate())
}
