// Package authgate enforces declared security requirements around a call.
package authgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"mcpkit/internal/domain"
)

// State is the per-call auth state.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateVerifying       State = "verifying"
	StateAuthorized      State = "authorized"
	StateRejected        State = "rejected"
)

// Outcome is the result of one gate pass. Exactly one of Challenge or the
// authorized fields is set.
type Outcome struct {
	State     State
	Identity  domain.Identity
	Secrets   map[string]string
	Challenge *domain.AuthChallenge
}

// Options configures a Gate.
type Options struct {
	// DiscoveryURL is where clients fetch protected resource metadata.
	DiscoveryURL string
	Metrics      domain.Metrics
	Logger       *zap.Logger
}

// Gate verifies credentials against named providers.
type Gate struct {
	providers    map[string]domain.AuthProvider
	discoveryURL string
	metrics      domain.Metrics
	logger       *zap.Logger
}

// New creates a gate over providers.
func New(providers []domain.AuthProvider, opts Options) *Gate {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	byName := make(map[string]domain.AuthProvider, len(providers))
	for _, provider := range providers {
		byName[provider.Name()] = provider
	}
	return &Gate{
		providers:    byName,
		discoveryURL: opts.DiscoveryURL,
		metrics:      metrics,
		logger:       logger.Named("authgate"),
	}
}

// DiscoveryURL returns the metadata discovery URL carried by challenges.
func (g *Gate) DiscoveryURL() string {
	return g.discoveryURL
}

// Providers returns the configured provider names in sorted order.
func (g *Gate) Providers() []string {
	names := make([]string, 0, len(g.providers))
	for name := range g.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CheckRoutes reports every entry whose requirement names an unconfigured
// provider.
func (g *Gate) CheckRoutes(entries []*domain.RouteEntry) error {
	var errs []error
	for _, entry := range entries {
		if entry.Public() {
			continue
		}
		if _, ok := g.providers[entry.Security.Provider]; !ok {
			errs = append(errs, fmt.Errorf("%w: %q required by %s", domain.ErrUnknownProvider, entry.Security.Provider, entry.Name))
		}
	}
	return errors.Join(errs...)
}

// Check runs the gate for entry. Public entries pass without a credential.
// A missing, rejected or under-scoped credential yields a challenge; the
// returned error is reserved for failures that are not the caller's fault.
func (g *Gate) Check(ctx context.Context, entry *domain.RouteEntry, credential string, args json.RawMessage) (Outcome, error) {
	if entry.Public() {
		g.metrics.ObserveAuth("", domain.AuthOutcomePublic)
		return Outcome{State: StateAuthorized}, nil
	}
	req := *entry.Security
	token := BearerToken(credential)
	if token == "" {
		g.metrics.ObserveAuth(req.Provider, domain.AuthOutcomeMissing)
		return g.reject(req, domain.ChallengeInvalidRequest, "missing credential"), nil
	}

	provider, ok := g.providers[req.Provider]
	if !ok {
		return Outcome{State: StateRejected}, fmt.Errorf("%s: %w: %q", entry.Name, domain.ErrUnknownProvider, req.Provider)
	}

	identity, err := provider.Verify(ctx, token)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{State: StateRejected}, ctxErr
		}
		g.logger.Debug("credential rejected", zap.String("provider", req.Provider), zap.String("capability", entry.Name), zap.Error(err))
		g.metrics.ObserveAuth(req.Provider, domain.AuthOutcomeRejected)
		return g.reject(req, domain.ChallengeInvalidToken, "invalid credential"), nil
	}
	if missing := missingScopes(req.Scopes, identity.Scopes); len(missing) > 0 {
		g.metrics.ObserveAuth(req.Provider, domain.AuthOutcomeForbidden)
		return g.reject(req, domain.ChallengeInsufficientScope, "missing scopes: "+strings.Join(missing, " ")), nil
	}

	outcome := Outcome{State: StateAuthorized, Identity: identity}
	if req.ScopeKey != "" {
		scope, err := scopeValue(args, req.ScopeKey)
		if err != nil {
			return Outcome{State: StateRejected}, err
		}
		secrets, err := provider.FetchSecrets(ctx, identity, scope)
		if err != nil {
			return Outcome{State: StateRejected}, fmt.Errorf("fetch secrets for %s/%s: %w", identity.Subject, scope, err)
		}
		outcome.Secrets = secrets
	}
	g.metrics.ObserveAuth(req.Provider, domain.AuthOutcomeAuthorized)
	return outcome, nil
}

func (g *Gate) reject(req domain.SecurityRequirement, code, message string) Outcome {
	return Outcome{
		State: StateRejected,
		Challenge: &domain.AuthChallenge{
			DiscoveryURL:   g.discoveryURL,
			ErrorCode:      code,
			RequiredScopes: slices.Clone(req.Scopes),
			Message:        message,
		},
	}
}

// MissingCredentialChallenge is the challenge for a call carrying no credential.
func (g *Gate) MissingCredentialChallenge(entry *domain.RouteEntry) *domain.AuthChallenge {
	if entry.Public() {
		return nil
	}
	return g.reject(*entry.Security, domain.ChallengeInvalidRequest, "missing credential").Challenge
}

// BearerToken extracts the token from an Authorization value. A value without
// a scheme is taken as the token itself.
func BearerToken(credential string) string {
	credential = strings.TrimSpace(credential)
	scheme, token, found := strings.Cut(credential, " ")
	if !found {
		return credential
	}
	if !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func missingScopes(required, granted []string) []string {
	var missing []string
	for _, scope := range required {
		if !slices.Contains(granted, scope) {
			missing = append(missing, scope)
		}
	}
	return missing
}

func scopeValue(args json.RawMessage, key string) (string, error) {
	var fields map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &fields); err != nil {
			return "", &domain.ValidationError{Fields: []domain.FieldError{{Field: key, Message: "arguments must be a JSON object"}}}
		}
	}
	switch value := fields[key].(type) {
	case string:
		if value != "" {
			return value, nil
		}
	case float64:
		return fmt.Sprint(value), nil
	}
	return "", &domain.ValidationError{Fields: []domain.FieldError{{Field: key, Message: "is required to select secrets"}}}
}
