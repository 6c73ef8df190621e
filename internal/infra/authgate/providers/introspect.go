package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mcpkit/internal/domain"
)

const defaultIntrospectTimeout = 5 * time.Second

// IntrospectConfig configures an RFC 7662 token introspection provider.
type IntrospectConfig struct {
	Endpoint     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	// Secrets are served for introspected subjects, keyed subject -> scope -> key.
	Secrets map[string]map[string]map[string]string
}

// Introspect verifies tokens by asking an authorization server.
type Introspect struct {
	name    string
	cfg     IntrospectConfig
	client  *http.Client
	secrets Bundle
}

// NewIntrospect creates an introspection provider.
func NewIntrospect(name string, cfg IntrospectConfig, client *http.Client) (*Introspect, error) {
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("introspection endpoint: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultIntrospectTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Introspect{name: name, cfg: cfg, client: client, secrets: Bundle{Secrets: cfg.Secrets}}, nil
}

func (p *Introspect) Name() string { return p.name }

type introspectionResponse struct {
	Active   bool   `json:"active"`
	Scope    string `json:"scope"`
	Subject  string `json:"sub"`
	Username string `json:"username"`
	ClientID string `json:"client_id"`
	Expiry   int64  `json:"exp"`
}

func (p *Introspect) Verify(ctx context.Context, credential string) (domain.Identity, error) {
	form := url.Values{"token": {credential}, "token_type_hint": {"access_token"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.Identity{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if p.cfg.ClientID != "" {
		req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("introspect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.Identity{}, fmt.Errorf("introspect: unexpected status %d", resp.StatusCode)
	}
	var body introspectionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return domain.Identity{}, fmt.Errorf("introspect: decode response: %w", err)
	}
	if !body.Active {
		return domain.Identity{}, domain.ErrInvalidCredential
	}
	if body.Expiry > 0 && time.Unix(body.Expiry, 0).Before(time.Now()) {
		return domain.Identity{}, domain.ErrInvalidCredential
	}
	subject := body.Subject
	if subject == "" {
		subject = body.Username
	}
	return domain.Identity{
		Subject: subject,
		Scopes:  strings.Fields(body.Scope),
		Claims: map[string]any{
			"client_id": body.ClientID,
			"exp":       body.Expiry,
		},
	}, nil
}

func (p *Introspect) FetchSecrets(_ context.Context, identity domain.Identity, scope string) (map[string]string, error) {
	return p.secrets.secrets(identity.Subject, scope), nil
}

var _ domain.AuthProvider = (*Introspect)(nil)
