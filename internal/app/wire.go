//go:build wireinject
// +build wireinject

package app

import (
	"context"

	"github.com/google/wire"

	"mcpkit/internal/infra/config"
)

func InitializeApplication(ctx context.Context, cfg ServeConfig, settings config.Config, logging LoggingConfig) (*Application, error) {
	wire.Build(AppSet)
	return nil, nil
}
