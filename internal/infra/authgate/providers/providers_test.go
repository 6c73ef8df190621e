package providers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpkit/internal/domain"
)

func testBundle() Bundle {
	return Bundle{
		Grants: []Grant{
			{Token: "alice-token", Subject: "alice", Scopes: []string{"deploy"}},
			{Fingerprint: Fingerprint("bob-token"), Subject: "bob"},
		},
		Secrets: map[string]map[string]map[string]string{
			"alice": {
				"*":      {"REGION": "eu"},
				"proj-a": {"API_KEY": "alice-a"},
				"proj-b": {"API_KEY": "alice-b", "REGION": "us"},
			},
			"bob": {
				"proj-a": {"API_KEY": "bob-a"},
			},
		},
	}
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("alice-token")
	assert.Len(t, fp, 64)
	assert.Equal(t, fp, Fingerprint("alice-token"))
	assert.NotEqual(t, fp, Fingerprint("alice-token2"))
}

func TestStatic_Verify(t *testing.T) {
	provider, err := NewStatic("static", testBundle())
	require.NoError(t, err)
	ctx := context.Background()

	identity, err := provider.Verify(ctx, "alice-token")
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Subject)
	assert.Equal(t, []string{"deploy"}, identity.Scopes)

	identity, err = provider.Verify(ctx, "bob-token")
	require.NoError(t, err)
	assert.Equal(t, "bob", identity.Subject)

	_, err = provider.Verify(ctx, "mallory-token")
	require.ErrorIs(t, err, domain.ErrInvalidCredential)
}

func TestStatic_FetchSecrets(t *testing.T) {
	provider, err := NewStatic("static", testBundle())
	require.NoError(t, err)
	ctx := context.Background()

	secrets, err := provider.FetchSecrets(ctx, domain.Identity{Subject: "alice"}, "proj-a")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"REGION": "eu", "API_KEY": "alice-a"}, secrets)

	secrets, err = provider.FetchSecrets(ctx, domain.Identity{Subject: "alice"}, "proj-b")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"REGION": "us", "API_KEY": "alice-b"}, secrets)

	secrets, err = provider.FetchSecrets(ctx, domain.Identity{Subject: "bob"}, "proj-b")
	require.NoError(t, err)
	assert.Empty(t, secrets)
}

func TestBundle_Validate(t *testing.T) {
	_, err := NewStatic("static", Bundle{Grants: []Grant{{Subject: "x"}, {Token: "t"}, {Subject: "y", Fingerprint: "abc"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "grant 0 (x): token or fingerprint is required")
	assert.Contains(t, err.Error(), "grant 1: subject is required")
	assert.Contains(t, err.Error(), "grant 2 (y): fingerprint must be 64 hex characters")
}

func writeSealed(t *testing.T, path string, bundle Bundle, recipient age.Recipient) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Seal(&buf, bundle, recipient))
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, buf.Bytes(), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func newIdentityFile(t *testing.T, dir string) (*age.X25519Identity, string) {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	path := filepath.Join(dir, "server.key")
	require.NoError(t, os.WriteFile(path, []byte(identity.String()+"\n"), 0o600))
	return identity, path
}

func TestSealed_OpenAndReload(t *testing.T) {
	dir := t.TempDir()
	identity, identityFile := newIdentityFile(t, dir)
	bundlePath := filepath.Join(dir, "secrets.age")
	writeSealed(t, bundlePath, testBundle(), identity.Recipient())

	provider, err := OpenSealed("sealed", bundlePath, identityFile, nil)
	require.NoError(t, err)
	assert.Equal(t, "sealed", provider.Name())

	ctx := context.Background()
	identityInfo, err := provider.Verify(ctx, "alice-token")
	require.NoError(t, err)
	secrets, err := provider.FetchSecrets(ctx, identityInfo, "proj-a")
	require.NoError(t, err)
	assert.Equal(t, "alice-a", secrets["API_KEY"])

	rotated := testBundle()
	rotated.Grants = []Grant{{Token: "carol-token", Subject: "carol"}}
	writeSealed(t, bundlePath, rotated, identity.Recipient())
	require.NoError(t, provider.Reload())

	_, err = provider.Verify(ctx, "alice-token")
	require.ErrorIs(t, err, domain.ErrInvalidCredential)
	_, err = provider.Verify(ctx, "carol-token")
	require.NoError(t, err)
}

func TestSealed_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	identity, identityFile := newIdentityFile(t, dir)
	bundlePath := filepath.Join(dir, "secrets.age")
	writeSealed(t, bundlePath, testBundle(), identity.Recipient())

	provider, err := OpenSealed("sealed", bundlePath, identityFile, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, provider.Watch(ctx))

	rotated := Bundle{Grants: []Grant{{Token: "dave-token", Subject: "dave"}}}
	writeSealed(t, bundlePath, rotated, identity.Recipient())

	require.Eventually(t, func() bool {
		_, err := provider.Verify(context.Background(), "dave-token")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSealed_WrongIdentity(t *testing.T) {
	dir := t.TempDir()
	owner, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	_, identityFile := newIdentityFile(t, dir)
	bundlePath := filepath.Join(dir, "secrets.age")
	writeSealed(t, bundlePath, testBundle(), owner.Recipient())

	_, err = OpenSealed("sealed", bundlePath, identityFile, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decrypt sealed bundle")
}

func TestIntrospect_Verify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "mcpkit" || pass != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("token") {
		case "good":
			_, _ = w.Write([]byte(`{"active":true,"sub":"alice","scope":"deploy read","client_id":"cli"}`))
		case "expired":
			_, _ = w.Write([]byte(`{"active":true,"sub":"alice","exp":1}`))
		default:
			_, _ = w.Write([]byte(`{"active":false}`))
		}
	}))
	defer server.Close()

	provider, err := NewIntrospect("idp", IntrospectConfig{
		Endpoint:     server.URL,
		ClientID:     "mcpkit",
		ClientSecret: "s3cret",
		Secrets:      testBundle().Secrets,
	}, server.Client())
	require.NoError(t, err)
	ctx := context.Background()

	identity, err := provider.Verify(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Subject)
	assert.Equal(t, []string{"deploy", "read"}, identity.Scopes)

	secrets, err := provider.FetchSecrets(ctx, identity, "proj-a")
	require.NoError(t, err)
	assert.Equal(t, "alice-a", secrets["API_KEY"])

	_, err = provider.Verify(ctx, "bad")
	require.ErrorIs(t, err, domain.ErrInvalidCredential)
	_, err = provider.Verify(ctx, "expired")
	require.ErrorIs(t, err, domain.ErrInvalidCredential)
}

func TestIntrospect_RejectsBadEndpoint(t *testing.T) {
	_, err := NewIntrospect("idp", IntrospectConfig{Endpoint: "not a url"}, nil)
	require.Error(t, err)
}
