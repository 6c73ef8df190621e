package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mcpkit/internal/domain"
	"mcpkit/internal/infra/config"
	"mcpkit/internal/infra/mcpserver"
	"mcpkit/internal/infra/registrar"
	"mcpkit/internal/infra/session"
	"mcpkit/internal/infra/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Application wires the runtime and its dependencies.
type Application struct {
	ctx       context.Context
	transport domain.TransportKind
	settings  config.Config

	logger    *zap.Logger
	registry  *prometheus.Registry
	health    *telemetry.HealthTracker
	table     *registrar.Table
	sessions  *session.Runtime
	providers AuthProviders
	server    *mcpserver.Server
}

// ApplicationOptions captures dependencies and settings for Application.
type ApplicationOptions struct {
	Context       context.Context
	ServeConfig   ServeConfig
	Settings      config.Config
	Logger        *zap.Logger
	Registry      *prometheus.Registry
	Health        *telemetry.HealthTracker
	Table         *registrar.Table
	Sessions      *session.Runtime
	AuthProviders AuthProviders
	Server        *mcpserver.Server
}

// NewApplication constructs the application runtime.
func NewApplication(opts ApplicationOptions) *Application {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	transport := opts.ServeConfig.Transport
	if transport == "" {
		transport = domain.TransportStdio
	}
	return &Application{
		ctx:       ctx,
		transport: transport,
		settings:  opts.Settings,
		logger:    opts.Logger,
		registry:  opts.Registry,
		health:    opts.Health,
		table:     opts.Table,
		sessions:  opts.Sessions,
		providers: opts.AuthProviders,
		server:    opts.Server,
	}
}

// Run serves until the context is done or the transport fails.
func (a *Application) Run() error {
	a.logger.Info("application starting",
		zap.String("transport", string(a.transport)),
		zap.Int("capabilities", a.table.Len()),
		zap.Int("auth_providers", len(a.providers.All)),
	)

	ctx, cancel := context.WithCancel(a.ctx)
	defer cancel()
	defer func() {
		if err := a.sessions.Shutdown(); err != nil {
			a.logger.Warn("session runtime shutdown failed", zap.Error(err))
		}
	}()

	for _, sealed := range a.providers.Sealed {
		if !sealed.Watch {
			continue
		}
		if err := sealed.Provider.Watch(ctx); err != nil {
			return fmt.Errorf("watch sealed provider %s: %w", sealed.Provider.Name(), err)
		}
	}

	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		a.sessions.Run(ctx)
	}()

	obs := a.settings.Observability
	obsErr := make(chan error, 1)
	go func() {
		obsErr <- telemetry.StartHTTPServer(ctx, telemetry.HTTPServerOptions{
			Addr:          obs.ListenAddress,
			EnableMetrics: obs.Metrics,
			EnableHealthz: obs.Healthz,
			Health:        a.health,
			Registry:      a.registry,
		}, a.logger)
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.serve(ctx)
	}()

	var err error
	select {
	case err = <-serveErr:
	case err = <-obsErr:
		if err == nil {
			// Observability disabled; keep serving.
			err = <-serveErr
		}
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	select {
	case <-sweeperDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("session sweeper did not stop in time")
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.logger.Info("application stopped", zap.Error(err))
	return err
}

func (a *Application) serve(ctx context.Context) error {
	switch a.transport {
	case domain.TransportHTTP:
		a.logger.Info("streamable http listening",
			zap.String("addr", a.settings.HTTP.ListenAddress),
			zap.String("path", a.settings.HTTP.Path),
		)
		return telemetry.Serve(ctx, a.settings.HTTP.ListenAddress, a.server.Handler(), a.logger.Named("http"))
	case domain.TransportStdio:
		return a.server.RunStdio(ctx)
	default:
		return fmt.Errorf("unknown transport %q", a.transport)
	}
}
