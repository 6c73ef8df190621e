package domain

import "time"

const (
	DefaultHTTPListenAddress          = "127.0.0.1:8090"
	DefaultHTTPPath                   = "/mcp"
	DefaultObservabilityListenAddress = "127.0.0.1:9090"
	DefaultSessionIdleTimeout         = 30 * time.Minute
	DefaultSessionSweepInterval       = time.Minute
	DefaultSessionBoltBucket          = "sessions"
	DefaultCallTimeout                = 30 * time.Second
	DefaultRateLimitPerSecond         = 20.0
	DefaultRateLimitBurst             = 40
	DefaultManifestDir                = "services.d"

	SessionIDHeader       = "Mcp-Session-Id"
	AuthorizationHeader   = "Authorization"
	ProtectedResourcePath = "/.well-known/oauth-protected-resource"
	UIResourceScheme      = "ui"
	UIResourceMIMEType    = "text/html;profile=mcp-app"
)

// SessionBackendKind selects the session data persistence backend.
type SessionBackendKind string

const (
	SessionBackendMemory SessionBackendKind = "memory"
	SessionBackendBolt   SessionBackendKind = "bolt"
)

// TransportKind selects how the MCP server is exposed.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)
