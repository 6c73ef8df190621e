// Package providers implements the auth providers the gate can verify against.
package providers

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"maps"
	"strings"

	"github.com/zeebo/blake3"

	"mcpkit/internal/domain"
)

// WildcardScope holds secrets visible under every scope of a subject.
const WildcardScope = "*"

// Grant maps one bearer token to an identity. Either Token or its
// Fingerprint is set; configuration files should prefer the fingerprint.
type Grant struct {
	Token       string   `json:"token,omitempty" yaml:"token,omitempty" mapstructure:"token"`
	Fingerprint string   `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty" mapstructure:"fingerprint"`
	Subject     string   `json:"subject" yaml:"subject" mapstructure:"subject"`
	Scopes      []string `json:"scopes,omitempty" yaml:"scopes,omitempty" mapstructure:"scopes"`
}

// Bundle is a set of grants and per-subject, per-scope secrets.
type Bundle struct {
	Grants []Grant `json:"grants" yaml:"grants" mapstructure:"grants"`
	// Secrets maps subject -> scope -> key -> value.
	Secrets map[string]map[string]map[string]string `json:"secrets" yaml:"secrets" mapstructure:"secrets"`
}

// Fingerprint returns the hex BLAKE3 digest of a token.
func Fingerprint(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Validate reports grants that cannot match any token.
func (b Bundle) Validate() error {
	var problems []string
	for i, grant := range b.Grants {
		switch {
		case grant.Subject == "":
			problems = append(problems, fmt.Sprintf("grant %d: subject is required", i))
		case grant.Token == "" && grant.Fingerprint == "":
			problems = append(problems, fmt.Sprintf("grant %d (%s): token or fingerprint is required", i, grant.Subject))
		case grant.Fingerprint != "" && len(grant.Fingerprint) != 64:
			problems = append(problems, fmt.Sprintf("grant %d (%s): fingerprint must be 64 hex characters", i, grant.Subject))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid bundle: %s", strings.Join(problems, "; "))
	}
	return nil
}

// verify matches token against every grant. Comparison is constant time per
// grant and always visits every grant.
func (b Bundle) verify(token string) (domain.Identity, error) {
	presented := []byte(Fingerprint(token))
	var (
		matched domain.Identity
		found   bool
	)
	for _, grant := range b.Grants {
		expected := grant.Fingerprint
		if expected == "" {
			expected = Fingerprint(grant.Token)
		}
		if subtle.ConstantTimeCompare(presented, []byte(strings.ToLower(expected))) == 1 && !found {
			matched = domain.Identity{Subject: grant.Subject, Scopes: append([]string(nil), grant.Scopes...)}
			found = true
		}
	}
	if !found {
		return domain.Identity{}, domain.ErrInvalidCredential
	}
	return matched, nil
}

// secrets returns the subject's wildcard secrets overlaid with the secrets of
// scope. Another subject's secrets are never returned.
func (b Bundle) secrets(subject, scope string) map[string]string {
	out := map[string]string{}
	scopes := b.Secrets[subject]
	maps.Copy(out, scopes[WildcardScope])
	if scope != "" {
		maps.Copy(out, scopes[scope])
	}
	return out
}
