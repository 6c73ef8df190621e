package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpkit/internal/domain"
	"mcpkit/internal/infra/attribute"
	"mcpkit/internal/infra/authgate/providers"
	"mcpkit/internal/infra/config"
	"mcpkit/internal/infra/session"
	"mcpkit/internal/infra/telemetry"
	"mcpkit/internal/services"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func freeAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skip test due to listen error: %v", err)
	}
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"", "json", "console"} {
		logger, err := NewLogger(config.LoggingConfig{Level: "debug", Format: format})
		require.NoError(t, err, format)
		assert.True(t, logger.Core().Enabled(zap.DebugLevel), format)
	}

	logger, err := NewLogger(config.LoggingConfig{})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))

	_, err = NewLogger(config.LoggingConfig{Level: "loud"})
	require.Error(t, err)
	_, err = NewLogger(config.LoggingConfig{Format: "xml"})
	require.Error(t, err)

	logging, err := NewLogging(LoggingConfig{Logger: zap.NewNop()})
	require.NoError(t, err)
	assert.NotNil(t, LoggerFrom(logging))
}

func TestNewSessionBackend(t *testing.T) {
	memory, err := NewSessionBackend(config.Config{Session: config.SessionConfig{Backend: domain.SessionBackendMemory}})
	require.NoError(t, err)
	assert.IsType(t, &session.MemoryBackend{}, memory)

	bolt, err := NewSessionBackend(config.Config{Session: config.SessionConfig{
		Backend: domain.SessionBackendBolt,
		Path:    filepath.Join(t.TempDir(), "sessions.db"),
		Bucket:  "sessions",
	}})
	require.NoError(t, err)
	assert.IsType(t, &session.BoltBackend{}, bolt)
	require.NoError(t, bolt.Close())

	_, err = NewSessionBackend(config.Config{Session: config.SessionConfig{Backend: "etcd"}})
	require.ErrorContains(t, err, "unknown session backend")
}

func TestNewSweepHeartbeat(t *testing.T) {
	health := telemetry.NewHealthTracker()
	NewSweepHeartbeat(config.Config{}, health)
	assert.Empty(t, health.Report().Checks)

	NewSweepHeartbeat(config.Config{Session: config.SessionConfig{IdleTimeout: time.Minute, SweepInterval: time.Second}}, health)
	report := health.Report()
	require.Len(t, report.Checks, 1)
	assert.Equal(t, sweeperCheck, report.Checks[0].Name)
}

func TestNewAuthProviders(t *testing.T) {
	settings := config.Config{Auth: config.AuthConfig{Providers: []config.ProviderConfig{
		{
			Name:   services.DeployProvider,
			Kind:   config.ProviderStatic,
			Bundle: providers.Bundle{Grants: []providers.Grant{{Token: "t0k", Subject: "ops"}}},
		},
		{
			Name:       "idp",
			Kind:       config.ProviderIntrospect,
			Introspect: providers.IntrospectConfig{Endpoint: "https://login.example.com/introspect", Timeout: time.Second},
		},
	}}}
	got, err := NewAuthProviders(settings, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, got.All, 2)
	assert.Equal(t, services.DeployProvider, got.All[0].Name())
	assert.Equal(t, "idp", got.All[1].Name())
	assert.Empty(t, got.Sealed)

	settings.Auth.Providers = append(settings.Auth.Providers, config.ProviderConfig{Name: "vault", Kind: config.ProviderSealed, Path: "/does/not/exist.age", IdentityFile: "/does/not/exist.txt"})
	_, err = NewAuthProviders(settings, zap.NewNop())
	require.ErrorContains(t, err, "auth provider vault")
}

func TestNewRouteTable(t *testing.T) {
	table, err := NewRouteTable(config.Config{Services: config.ServicesConfig{Enabled: []string{services.WeatherName}}}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 4, table.Len())
	assert.True(t, attribute.Default().Sealed())

	dir := t.TempDir()
	writeFile(t, dir, "10-base.yaml", "services: [weather, counter, deploy]\n")
	writeFile(t, dir, "20-off.toml", "disabled = [\"deploy\"]\n")
	table, err = NewRouteTable(config.Config{Services: config.ServicesConfig{ManifestDir: dir}}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 7, table.Len())

	_, err = NewRouteTable(config.Config{Services: config.ServicesConfig{Enabled: []string{"billing"}}}, zap.NewNop())
	require.ErrorContains(t, err, "billing")
}

func TestNewCaller_UnknownProviderFailsStartup(t *testing.T) {
	settings := config.Config{Services: config.ServicesConfig{Enabled: []string{services.DeployName}}}
	table, err := NewRouteTable(settings, zap.NewNop())
	require.NoError(t, err)
	gate := NewGate(AuthProviders{}, settings, domain.NoopMetrics{}, zap.NewNop())

	_, err = NewCaller(table, gate, nil, settings, domain.NoopMetrics{}, zap.NewNop())
	require.ErrorIs(t, err, domain.ErrUnknownProvider)
}

func TestApp_ValidateAndRoutes(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "mcpkit.yaml", `
auth:
  providers:
    - name: ops
      kind: static
      grants:
        - token: t0k
          subject: alice
          scopes: [deploy:read]
services:
  enabled: [deploy, weather]
`)
	application := New(zap.NewNop())
	require.NoError(t, application.ValidateConfig(context.Background(), ValidateConfig{ConfigPath: path}))

	routes, err := application.Routes(context.Background(), ValidateConfig{ConfigPath: path})
	require.NoError(t, err)
	require.Len(t, routes, 7)
	assert.Equal(t, domain.CapabilityPrompt, routes[0].Kind)
	assert.Equal(t, "planTrip", routes[0].Name)
	assert.Equal(t, "releaseNotes", routes[1].Name)
	assert.Equal(t, services.DeployProvider, routes[1].Provider)

	missing := writeFile(t, dir, "missing.yaml", "services:\n  enabled: [deploy]\n")
	require.ErrorIs(t, application.ValidateConfig(context.Background(), ValidateConfig{ConfigPath: missing}), domain.ErrUnknownProvider)
}

func TestApplication_RunHTTP(t *testing.T) {
	httpAddr := freeAddr(t)
	obsAddr := freeAddr(t)
	settings := config.Config{
		Name:        "mcpkit-test",
		CallTimeout: time.Second,
		HTTP:        config.HTTPConfig{ListenAddress: httpAddr, Path: domain.DefaultHTTPPath},
		Session: config.SessionConfig{
			Backend:       domain.SessionBackendMemory,
			IdleTimeout:   time.Minute,
			SweepInterval: 50 * time.Millisecond,
		},
		Services:      config.ServicesConfig{Enabled: []string{services.CounterName}},
		Observability: config.ObservabilityConfig{ListenAddress: obsAddr, Metrics: true, Healthz: true},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	application, err := InitializeApplication(ctx, ServeConfig{Transport: domain.TransportHTTP}, settings, LoggingConfig{Logger: zap.NewNop()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- application.Run() }()

	healthURL := fmt.Sprintf("http://%s/healthz", obsAddr)
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 25*time.Millisecond)

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "0.1.0"}, nil)
	transport := &mcp.StreamableClientTransport{Endpoint: "http://" + httpAddr + domain.DefaultHTTPPath, MaxRetries: -1}
	var cs *mcp.ClientSession
	require.Eventually(t, func() bool {
		cs, err = client.Connect(ctx, transport, nil)
		return err == nil
	}, 2*time.Second, 25*time.Millisecond)

	for _, step := range []struct {
		by   int
		want string
	}{{1, `{"value":1}`}, {2, `{"value":3}`}} {
		res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "increment", Arguments: map[string]any{"by": step.by}})
		require.NoError(t, err)
		require.False(t, res.IsError)
		assert.Equal(t, step.want, res.Content[0].(*mcp.TextContent).Text)
	}
	require.NoError(t, cs.Close())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("application did not stop in time")
	}
}
