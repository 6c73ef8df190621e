// Package services holds the capability services shipped with mcpkit.
//
// Each service declares its capabilities from init and registers a factory
// under a short name, so a manifest can enable it by that name.
package services

import "mcpkit/internal/infra/registrar"

const (
	WeatherName = "weather"
	CounterName = "counter"
	DeployName  = "deploy"
)

func init() {
	registrar.Provide(WeatherName, func() any { return NewWeatherService() })
	registrar.Provide(CounterName, func() any { return &CounterService{} })
	registrar.Provide(DeployName, func() any { return NewDeployService(nil) })
}
