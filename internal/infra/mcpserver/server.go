// Package mcpserver exposes a route table on an MCP server over stdio and
// streamable HTTP.
package mcpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/modelcontextprotocol/go-sdk/oauthex"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mcpkit/internal/domain"
	"mcpkit/internal/infra/authgate"
	"mcpkit/internal/infra/router"
	"mcpkit/internal/infra/session"
	"mcpkit/internal/infra/telemetry"
)

// RouteTable lists and resolves route entries.
type RouteTable interface {
	router.RouteTable
	Entries() []*domain.RouteEntry
}

// Options configures a Server.
type Options struct {
	Name    string
	Version string
	// Path is where the streamable HTTP endpoint is mounted.
	Path string
	// ResourceURL is the canonical URL of the protected resource advertised
	// in the protected resource metadata document.
	ResourceURL          string
	AuthorizationServers []string
	// RateLimit caps requests per second on one session. Zero disables it.
	RateLimit rate.Limit
	RateBurst int
	// Credential is sent with every stdio call, which has no headers.
	Credential string
	Logger     *zap.Logger
}

// Server adapts the route table to an MCP server.
type Server struct {
	mcp      *mcp.Server
	table    RouteTable
	caller   router.Caller
	sessions *session.Runtime
	gate     *authgate.Gate
	opts     Options
	logger   *zap.Logger
	limiters *limiterSet

	// stdioSession is the single session backing a stdio run.
	stdioSession string
}

func New(table RouteTable, caller router.Caller, sessions *session.Runtime, gate *authgate.Gate, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Name == "" {
		opts.Name = "mcpkit"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Path == "" {
		opts.Path = domain.DefaultHTTPPath
	}
	if gate == nil {
		gate = authgate.New(nil, authgate.Options{Logger: logger})
	}
	s := &Server{
		table:    table,
		caller:   caller,
		sessions: sessions,
		gate:     gate,
		opts:     opts,
		logger:   logger.Named("mcpserver"),
	}
	s.limiters = newLimiterSet(opts.RateLimit, opts.RateBurst, func(id string) bool {
		if sessions == nil {
			return false
		}
		_, ok := sessions.Lookup(id)
		return ok
	})
	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    opts.Name,
		Version: opts.Version,
	}, nil)
	s.register()
	return s
}

// MCP returns the underlying protocol server.
func (s *Server) MCP() *mcp.Server {
	return s.mcp
}

func (s *Server) register() {
	var tools, prompts, resources int
	for _, entry := range s.table.Entries() {
		switch entry.Kind {
		case domain.CapabilityTool:
			s.mcp.AddTool(toolFor(entry), s.toolHandler(entry))
			tools++
		case domain.CapabilityPrompt:
			s.mcp.AddPrompt(promptFor(entry), s.promptHandler(entry))
			prompts++
		case domain.CapabilityResource:
			s.mcp.AddResource(resourceFor(entry), s.resourceHandler(entry))
			resources++
		}
	}
	s.logger.Info("capabilities exposed",
		telemetry.EventField(telemetry.EventRoutesBuilt),
		zap.Int("tools", tools),
		zap.Int("prompts", prompts),
		zap.Int("resources", resources),
	)
}

// RunStdio serves a single client over stdin/stdout until ctx is done or
// the client disconnects.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.run(ctx, &mcp.StdioTransport{})
}

func (s *Server) run(ctx context.Context, transport mcp.Transport) error {
	if s.sessions != nil {
		sess, err := s.sessions.Resolve(ctx, "", domain.IntentInitialize)
		if err != nil {
			return err
		}
		if err := s.sessions.Bind(sess.ID, s.mcp); err != nil {
			return err
		}
		_ = s.sessions.Activate(sess.ID)
		s.stdioSession = sess.ID
		defer func() {
			if err := s.sessions.Close(context.WithoutCancel(ctx), sess.ID); err != nil {
				s.logger.Warn("close stdio session failed", zap.Error(err))
			}
		}()
	}
	s.logger.Info("serving stdio transport")
	err := s.mcp.Run(ctx, transport)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handler returns the HTTP surface: the streamable MCP endpoint behind the
// session middleware plus the protected resource metadata document.
func (s *Server) Handler() http.Handler {
	streamable := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, &mcp.StreamableHTTPOptions{
		Stateless:    true,
		JSONResponse: true,
	})

	mux := http.NewServeMux()
	mux.Handle(s.opts.Path, s.SessionMiddleware(streamable))
	mux.Handle(domain.ProtectedResourcePath, auth.ProtectedResourceMetadataHandler(s.resourceMetadata()))
	return mux
}

// DiscoveryURL returns the absolute metadata URL for a resource URL.
func DiscoveryURL(resourceURL string) string {
	base := strings.TrimSuffix(resourceURL, "/")
	if base == "" {
		return domain.ProtectedResourcePath
	}
	if scheme, rest, ok := strings.Cut(base, "://"); ok {
		if host, _, found := strings.Cut(rest, "/"); found {
			return scheme + "://" + host + domain.ProtectedResourcePath
		}
	}
	return base + domain.ProtectedResourcePath
}

func (s *Server) resourceMetadata() *oauthex.ProtectedResourceMetadata {
	var scopes []string
	seen := map[string]bool{}
	for _, entry := range s.table.Entries() {
		if entry.Public() {
			continue
		}
		for _, scope := range entry.Security.Scopes {
			if !seen[scope] {
				seen[scope] = true
				scopes = append(scopes, scope)
			}
		}
	}
	return &oauthex.ProtectedResourceMetadata{
		Resource:               s.opts.ResourceURL,
		AuthorizationServers:   s.opts.AuthorizationServers,
		ScopesSupported:        scopes,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           s.opts.Name,
	}
}
