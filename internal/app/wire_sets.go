//go:build wireinject
// +build wireinject

package app

import (
	"github.com/google/wire"
)

var CoreInfraSet = wire.NewSet(
	NewLogging,
	LoggerFrom,
	NewMetricsRegistry,
	NewMetrics,
	NewHealthTracker,
)

var SessionSet = wire.NewSet(
	NewSessionBackend,
	NewSweepHeartbeat,
	NewSessionRuntime,
)

var RoutingSet = wire.NewSet(
	NewAuthProviders,
	NewGate,
	NewRouteTable,
	NewCaller,
	NewMCPServer,
)

var AppSet = wire.NewSet(
	CoreInfraSet,
	SessionSet,
	RoutingSet,
	wire.Struct(new(ApplicationOptions), "*"),
	NewApplication,
)
