package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mcpkit/internal/domain"
	"mcpkit/internal/infra/attribute"
	"mcpkit/internal/infra/authgate"
	"mcpkit/internal/infra/authgate/providers"
	"mcpkit/internal/infra/config"
	"mcpkit/internal/infra/mcpserver"
	"mcpkit/internal/infra/registrar"
	"mcpkit/internal/infra/router"
	"mcpkit/internal/infra/session"
	"mcpkit/internal/infra/telemetry"

	// Registers the bundled services.
	_ "mcpkit/internal/services"
)

const sweeperCheck = "session-sweeper"

func NewMetricsRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	registry.MustRegister(prometheus.NewGoCollector())
	return registry
}

func NewMetrics(registry *prometheus.Registry) domain.Metrics {
	return telemetry.NewPrometheusMetrics(registry)
}

func NewHealthTracker() *telemetry.HealthTracker {
	return telemetry.NewHealthTracker()
}

// NewSessionBackend opens the configured session store.
func NewSessionBackend(settings config.Config) (domain.SessionBackend, error) {
	cfg := settings.Session
	switch cfg.Backend {
	case domain.SessionBackendBolt:
		return session.OpenBoltBackend(cfg.Path, cfg.Bucket, cfg.IdleTimeout)
	case domain.SessionBackendMemory, "":
		return session.NewMemoryBackend(cfg.IdleTimeout), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

// SweepHeartbeat reports the idle sweeper to the health endpoint.
type SweepHeartbeat struct {
	beat *telemetry.Heartbeat
}

func NewSweepHeartbeat(settings config.Config, health *telemetry.HealthTracker) SweepHeartbeat {
	if settings.Session.IdleTimeout <= 0 {
		return SweepHeartbeat{}
	}
	return SweepHeartbeat{beat: health.Register(sweeperCheck, 3*settings.Session.SweepInterval)}
}

func NewSessionRuntime(
	backend domain.SessionBackend,
	settings config.Config,
	heartbeat SweepHeartbeat,
	metrics domain.Metrics,
	logger *zap.Logger,
) *session.Runtime {
	pruner, _ := backend.(interface {
		Prune(ctx context.Context) (int, error)
	})
	return session.NewRuntime(backend, session.Options{
		IdleTimeout:   settings.Session.IdleTimeout,
		SweepInterval: settings.Session.SweepInterval,
		OnSweep: func(int) {
			heartbeat.beat.Beat()
			if pruner == nil {
				return
			}
			if pruned, err := pruner.Prune(context.Background()); err != nil {
				logger.Warn("session store prune failed", zap.Error(err))
			} else if pruned > 0 {
				logger.Info("expired session records pruned", zap.Int("count", pruned))
			}
		},
		Metrics: metrics,
		Logger:  logger,
	})
}

// AuthProviders are the configured credential verifiers. Sealed providers
// are kept apart so the application can watch their files.
type AuthProviders struct {
	All    []domain.AuthProvider
	Sealed []SealedWatch
}

// SealedWatch pairs a sealed provider with whether its file is watched.
type SealedWatch struct {
	Provider *providers.Sealed
	Watch    bool
}

func NewAuthProviders(settings config.Config, logger *zap.Logger) (AuthProviders, error) {
	var out AuthProviders
	for _, cfg := range settings.Auth.Providers {
		switch cfg.Kind {
		case config.ProviderStatic:
			provider, err := providers.NewStatic(cfg.Name, cfg.Bundle)
			if err != nil {
				return AuthProviders{}, fmt.Errorf("auth provider %s: %w", cfg.Name, err)
			}
			out.All = append(out.All, provider)
		case config.ProviderSealed:
			provider, err := providers.OpenSealed(cfg.Name, cfg.Path, cfg.IdentityFile, logger.Named("sealed").With(telemetry.ProviderField(cfg.Name)))
			if err != nil {
				return AuthProviders{}, fmt.Errorf("auth provider %s: %w", cfg.Name, err)
			}
			out.All = append(out.All, provider)
			out.Sealed = append(out.Sealed, SealedWatch{Provider: provider, Watch: cfg.Watch})
		case config.ProviderIntrospect:
			client := &http.Client{Timeout: cfg.Introspect.Timeout}
			provider, err := providers.NewIntrospect(cfg.Name, cfg.Introspect, client)
			if err != nil {
				return AuthProviders{}, fmt.Errorf("auth provider %s: %w", cfg.Name, err)
			}
			out.All = append(out.All, provider)
		default:
			return AuthProviders{}, fmt.Errorf("auth provider %s: unknown kind %q", cfg.Name, cfg.Kind)
		}
	}
	return out, nil
}

func NewGate(authProviders AuthProviders, settings config.Config, metrics domain.Metrics, logger *zap.Logger) *authgate.Gate {
	return authgate.New(authProviders.All, authgate.Options{
		DiscoveryURL: mcpserver.DiscoveryURL(settings.Auth.ResourceURL),
		Metrics:      metrics,
		Logger:       logger,
	})
}

// NewRouteTable builds the table from the services enabled in settings, or
// from the manifest directory when none are listed.
func NewRouteTable(settings config.Config, logger *zap.Logger) (*registrar.Table, error) {
	names := settings.Services.Enabled
	if len(names) == 0 {
		loaded, err := registrar.LoadManifest(settings.Services.ManifestDir)
		if err != nil {
			return nil, err
		}
		names = loaded
	}
	services, err := registrar.Instantiate(names)
	if err != nil {
		return nil, err
	}
	registry := attribute.Default()
	table, err := registrar.New(registry, logger).Build(services...)
	if err != nil {
		return nil, err
	}
	// Declarations are only made from package init; the table is final.
	registry.Seal()
	return table, nil
}

// NewCaller checks every secured route against the gate before building the
// dispatch chain, so a route naming an unknown provider fails startup.
func NewCaller(
	table *registrar.Table,
	gate *authgate.Gate,
	sessions *session.Runtime,
	settings config.Config,
	metrics domain.Metrics,
	logger *zap.Logger,
) (router.Caller, error) {
	if err := gate.CheckRoutes(table.Entries()); err != nil {
		return nil, err
	}
	dispatcher := router.NewDispatcher(table, gate, sessions, router.Options{
		Timeout: settings.CallTimeout,
		Logger:  logger,
	})
	return router.NewMetricDispatcher(dispatcher, metrics), nil
}

func NewMCPServer(
	table *registrar.Table,
	caller router.Caller,
	sessions *session.Runtime,
	gate *authgate.Gate,
	settings config.Config,
	logger *zap.Logger,
) *mcpserver.Server {
	return mcpserver.New(table, caller, sessions, gate, mcpserver.Options{
		Name:                 settings.Name,
		Version:              Version,
		Path:                 settings.HTTP.Path,
		ResourceURL:          settings.Auth.ResourceURL,
		AuthorizationServers: settings.Auth.AuthorizationServers,
		RateLimit:            rate.Limit(settings.HTTP.RateLimit),
		RateBurst:            settings.HTTP.RateBurst,
		Credential:           settings.Auth.Credential,
		Logger:               logger,
	})
}
