package app

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"

	"mcpkit/internal/domain"
	"mcpkit/internal/infra/config"
)

type App struct {
	logger *zap.Logger
}

type ServeConfig struct {
	ConfigPath string
	Transport  domain.TransportKind
}

type ValidateConfig struct {
	ConfigPath string
}

func New(logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{logger: logger}
}

// Serve loads the configuration, wires the application and runs it until ctx
// is done.
func (a *App) Serve(ctx context.Context, cfg ServeConfig) error {
	settings, err := config.NewLoader(a.logger).Load(ctx, cfg.ConfigPath)
	if err != nil {
		return err
	}
	application, err := InitializeApplication(ctx, cfg, settings, LoggingConfig{Settings: settings.Logging})
	if err != nil {
		return err
	}
	return application.Run()
}

// ValidateConfig loads the configuration and builds the route table and auth
// providers without opening any listener.
func (a *App) ValidateConfig(ctx context.Context, cfg ValidateConfig) error {
	settings, err := config.NewLoader(a.logger).Load(ctx, cfg.ConfigPath)
	if err != nil {
		return err
	}
	table, err := NewRouteTable(settings, a.logger)
	if err != nil {
		return err
	}
	authProviders, err := NewAuthProviders(settings, a.logger)
	if err != nil {
		return err
	}
	gate := NewGate(authProviders, settings, domain.NoopMetrics{}, a.logger)
	if err := gate.CheckRoutes(table.Entries()); err != nil {
		return err
	}

	a.logger.Info("configuration validated",
		zap.String("config", cfg.ConfigPath),
		zap.Int("capabilities", table.Len()),
		zap.Int("auth_providers", len(authProviders.All)),
	)
	return nil
}

// RouteSummary is one row of the route listing.
type RouteSummary struct {
	Kind     domain.CapabilityKind `json:"kind"`
	Name     string                `json:"name"`
	Service  string                `json:"service"`
	Method   string                `json:"method"`
	Provider string                `json:"provider,omitempty"`
	Scopes   []string              `json:"scopes,omitempty"`
	UI       string                `json:"ui,omitempty"`
}

// Routes lists the capabilities the configuration would expose, ordered by
// kind and name.
func (a *App) Routes(ctx context.Context, cfg ValidateConfig) ([]RouteSummary, error) {
	settings, err := config.NewLoader(a.logger).Load(ctx, cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	table, err := NewRouteTable(settings, a.logger)
	if err != nil {
		return nil, err
	}
	routes := make([]RouteSummary, 0, table.Len())
	for _, entry := range table.Entries() {
		route := RouteSummary{
			Kind:    entry.Kind,
			Name:    entry.Name,
			Service: entry.Service,
			Method:  entry.Method,
			UI:      entry.UIResourceURI,
		}
		if entry.Security != nil {
			route.Provider = entry.Security.Provider
			route.Scopes = slices.Clone(entry.Security.Scopes)
		}
		routes = append(routes, route)
	}
	slices.SortStableFunc(routes, func(x, y RouteSummary) int {
		if c := strings.Compare(string(x.Kind), string(y.Kind)); c != 0 {
			return c
		}
		return strings.Compare(x.Name, y.Name)
	})
	return routes, nil
}
