// Package config loads the server configuration from YAML and MCPKIT_*
// environment variables.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"mcpkit/internal/domain"
	"mcpkit/internal/infra/authgate/providers"
)

// EnvPrefix prefixes environment overrides: session.backend is read from
// MCPKIT_SESSION_BACKEND.
const EnvPrefix = "MCPKIT"

// ProviderKind selects an auth provider implementation.
type ProviderKind string

const (
	ProviderStatic     ProviderKind = "static"
	ProviderSealed     ProviderKind = "sealed"
	ProviderIntrospect ProviderKind = "introspect"
)

// Config is the validated server configuration.
type Config struct {
	Name          string
	CallTimeout   time.Duration
	HTTP          HTTPConfig
	Session       SessionConfig
	Auth          AuthConfig
	Services      ServicesConfig
	Observability ObservabilityConfig
	Logging       LoggingConfig
}

type HTTPConfig struct {
	ListenAddress string
	Path          string
	// RateLimit is requests per second per session; zero disables limiting.
	RateLimit float64
	RateBurst int
}

type SessionConfig struct {
	Backend       domain.SessionBackendKind
	Path          string
	Bucket        string
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

type AuthConfig struct {
	ResourceURL          string
	AuthorizationServers []string
	// Credential is presented on behalf of a stdio client.
	Credential string
	Providers  []ProviderConfig
}

type ProviderConfig struct {
	Name string
	Kind ProviderKind
	// Bundle holds the grants of a static provider.
	Bundle providers.Bundle
	// Path and IdentityFile locate a sealed bundle and its age identities.
	Path         string
	IdentityFile string
	Watch        bool
	Introspect   providers.IntrospectConfig
}

type ServicesConfig struct {
	// ManifestDir holds service manifests naming the services to expose.
	ManifestDir string
	// Enabled lists services explicitly and takes precedence over manifests.
	Enabled []string
}

type ObservabilityConfig struct {
	ListenAddress string
	Metrics       bool
	Healthz       bool
}

type LoggingConfig struct {
	Level  string
	Format string
}

type rawConfig struct {
	Name               string           `mapstructure:"name"`
	CallTimeoutSeconds int              `mapstructure:"callTimeoutSeconds"`
	HTTP               rawHTTP          `mapstructure:"http"`
	Session            rawSession       `mapstructure:"session"`
	Auth               rawAuth          `mapstructure:"auth"`
	Services           rawServices      `mapstructure:"services"`
	Observability      rawObservability `mapstructure:"observability"`
	Logging            rawLogging       `mapstructure:"logging"`
}

type rawHTTP struct {
	ListenAddress string  `mapstructure:"listenAddress"`
	Path          string  `mapstructure:"path"`
	RateLimit     float64 `mapstructure:"rateLimit"`
	RateBurst     int     `mapstructure:"rateBurst"`
}

type rawSession struct {
	Backend              string `mapstructure:"backend"`
	Path                 string `mapstructure:"path"`
	Bucket               string `mapstructure:"bucket"`
	IdleTimeoutSeconds   int    `mapstructure:"idleTimeoutSeconds"`
	SweepIntervalSeconds int    `mapstructure:"sweepIntervalSeconds"`
}

type rawAuth struct {
	ResourceURL          string   `mapstructure:"resourceUrl"`
	AuthorizationServers []string `mapstructure:"authorizationServers"`
	Credential           string   `mapstructure:"credential"`
	// Providers are decoded with yaml.v3 instead: viper lowercases map keys
	// and secret keys are case sensitive.
	Providers []rawProvider `mapstructure:"-"`
}

type rawProvider struct {
	Name           string                                  `yaml:"name"`
	Kind           string                                  `yaml:"kind"`
	Grants         []providers.Grant                       `yaml:"grants"`
	Secrets        map[string]map[string]map[string]string `yaml:"secrets"`
	Path           string                                  `yaml:"path"`
	IdentityFile   string                                  `yaml:"identityFile"`
	Watch          bool                                    `yaml:"watch"`
	Endpoint       string                                  `yaml:"endpoint"`
	ClientID       string                                  `yaml:"clientId"`
	ClientSecret   string                                  `yaml:"clientSecret"`
	TimeoutSeconds int                                     `yaml:"timeoutSeconds"`
}

type providersDocument struct {
	Auth struct {
		Providers []rawProvider `yaml:"providers"`
	} `yaml:"auth"`
}

type rawServices struct {
	ManifestDir string   `mapstructure:"manifestDir"`
	Enabled     []string `mapstructure:"enabled"`
}

type rawObservability struct {
	ListenAddress string `mapstructure:"listenAddress"`
	Metrics       bool   `mapstructure:"metrics"`
	Healthz       bool   `mapstructure:"healthz"`
}

type rawLogging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("config")}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// setDefaults also makes every key visible to AutomaticEnv.
func setDefaults(v *viper.Viper) {
	v.SetDefault("name", "mcpkit")
	v.SetDefault("callTimeoutSeconds", int(domain.DefaultCallTimeout/time.Second))
	v.SetDefault("http.listenAddress", domain.DefaultHTTPListenAddress)
	v.SetDefault("http.path", domain.DefaultHTTPPath)
	v.SetDefault("http.rateLimit", domain.DefaultRateLimitPerSecond)
	v.SetDefault("http.rateBurst", domain.DefaultRateLimitBurst)
	v.SetDefault("session.backend", string(domain.SessionBackendMemory))
	v.SetDefault("session.path", "")
	v.SetDefault("session.bucket", domain.DefaultSessionBoltBucket)
	v.SetDefault("session.idleTimeoutSeconds", int(domain.DefaultSessionIdleTimeout/time.Second))
	v.SetDefault("session.sweepIntervalSeconds", int(domain.DefaultSessionSweepInterval/time.Second))
	v.SetDefault("auth.resourceUrl", "")
	v.SetDefault("auth.authorizationServers", []string{})
	v.SetDefault("auth.credential", "")
	v.SetDefault("services.manifestDir", domain.DefaultManifestDir)
	v.SetDefault("services.enabled", []string{})
	v.SetDefault("observability.listenAddress", domain.DefaultObservabilityListenAddress)
	v.SetDefault("observability.metrics", false)
	v.SetDefault("observability.healthz", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads the config file at path, or defaults and environment alone
// when path is empty, and validates the result. Every problem found is
// reported in one error.
func (l *Loader) Load(ctx context.Context, path string) (Config, error) {
	v := newViper()
	var doc providersDocument
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		expanded, missing, err := expandEnv(data)
		if err != nil {
			return Config{}, err
		}
		if len(missing) > 0 {
			l.logger.Warn("missing environment variables in config", zap.String("path", path), zap.Strings("missing", missing))
		}
		if err := v.ReadConfig(bytes.NewReader(expanded)); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
		if err := yaml.Unmarshal(expanded, &doc); err != nil {
			return Config{}, fmt.Errorf("decode auth providers: %w", err)
		}
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	raw.Auth.Providers = doc.Auth.Providers
	if err := ctx.Err(); err != nil {
		return Config{}, err
	}

	cfg := normalize(raw)
	if errs := validate(cfg); len(errs) > 0 {
		return Config{}, errors.New(strings.Join(errs, "; "))
	}
	return cfg, nil
}

func normalize(raw rawConfig) Config {
	cfg := Config{
		Name:        strings.TrimSpace(raw.Name),
		CallTimeout: seconds(raw.CallTimeoutSeconds),
		HTTP: HTTPConfig{
			ListenAddress: strings.TrimSpace(raw.HTTP.ListenAddress),
			Path:          strings.TrimSpace(raw.HTTP.Path),
			RateLimit:     raw.HTTP.RateLimit,
			RateBurst:     raw.HTTP.RateBurst,
		},
		Session: SessionConfig{
			Backend:       domain.SessionBackendKind(strings.ToLower(strings.TrimSpace(raw.Session.Backend))),
			Path:          strings.TrimSpace(raw.Session.Path),
			Bucket:        raw.Session.Bucket,
			IdleTimeout:   seconds(raw.Session.IdleTimeoutSeconds),
			SweepInterval: seconds(raw.Session.SweepIntervalSeconds),
		},
		Auth: AuthConfig{
			ResourceURL:          strings.TrimSpace(raw.Auth.ResourceURL),
			AuthorizationServers: raw.Auth.AuthorizationServers,
			Credential:           raw.Auth.Credential,
		},
		Services: ServicesConfig{
			ManifestDir: raw.Services.ManifestDir,
			Enabled:     raw.Services.Enabled,
		},
		Observability: ObservabilityConfig{
			ListenAddress: raw.Observability.ListenAddress,
			Metrics:       raw.Observability.Metrics,
			Healthz:       raw.Observability.Healthz,
		},
		Logging: LoggingConfig{
			Level:  strings.ToLower(raw.Logging.Level),
			Format: strings.ToLower(raw.Logging.Format),
		},
	}
	if cfg.Session.Bucket == "" {
		cfg.Session.Bucket = domain.DefaultSessionBoltBucket
	}
	for _, p := range raw.Auth.Providers {
		cfg.Auth.Providers = append(cfg.Auth.Providers, ProviderConfig{
			Name:         strings.TrimSpace(p.Name),
			Kind:         ProviderKind(strings.ToLower(strings.TrimSpace(p.Kind))),
			Bundle:       providers.Bundle{Grants: p.Grants, Secrets: p.Secrets},
			Path:         p.Path,
			IdentityFile: p.IdentityFile,
			Watch:        p.Watch,
			Introspect: providers.IntrospectConfig{
				Endpoint:     strings.TrimSpace(p.Endpoint),
				ClientID:     p.ClientID,
				ClientSecret: p.ClientSecret,
				Timeout:      seconds(p.TimeoutSeconds),
				Secrets:      p.Secrets,
			},
		})
	}
	return cfg
}

func validate(cfg Config) []string {
	var errs []string

	if cfg.CallTimeout <= 0 {
		errs = append(errs, "callTimeoutSeconds must be > 0")
	}
	if !strings.HasPrefix(cfg.HTTP.Path, "/") {
		errs = append(errs, "http.path must start with /")
	}
	if cfg.HTTP.RateLimit < 0 {
		errs = append(errs, "http.rateLimit must be >= 0")
	}
	if cfg.HTTP.RateBurst < 0 {
		errs = append(errs, "http.rateBurst must be >= 0")
	}

	switch cfg.Session.Backend {
	case domain.SessionBackendMemory:
	case domain.SessionBackendBolt:
		if cfg.Session.Path == "" {
			errs = append(errs, "session.path is required for the bolt backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("session.backend must be memory or bolt, got %q", cfg.Session.Backend))
	}
	if cfg.Session.IdleTimeout < 0 {
		errs = append(errs, "session.idleTimeoutSeconds must be >= 0")
	}
	if cfg.Session.SweepInterval <= 0 {
		errs = append(errs, "session.sweepIntervalSeconds must be > 0")
	}

	if cfg.Auth.ResourceURL != "" {
		if u, err := url.Parse(cfg.Auth.ResourceURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, "auth.resourceUrl must be an absolute URL")
		}
	}
	seen := make(map[string]struct{}, len(cfg.Auth.Providers))
	for i, p := range cfg.Auth.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("auth.providers[%d]: name is required", i))
		} else if _, dup := seen[p.Name]; dup {
			errs = append(errs, fmt.Sprintf("auth.providers[%d]: duplicate name %q", i, p.Name))
		} else {
			seen[p.Name] = struct{}{}
		}
		errs = append(errs, validateProvider(i, p)...)
	}

	if _, err := zapcore.ParseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, fmt.Sprintf("logging.level: %v", err))
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		errs = append(errs, "logging.format must be json or console")
	}
	return errs
}

func validateProvider(index int, p ProviderConfig) []string {
	var errs []string
	prefix := fmt.Sprintf("auth.providers[%d]", index)
	switch p.Kind {
	case ProviderStatic:
		if err := p.Bundle.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", prefix, err))
		}
	case ProviderSealed:
		if p.Path == "" {
			errs = append(errs, prefix+": path is required for a sealed provider")
		}
		if p.IdentityFile == "" {
			errs = append(errs, prefix+": identityFile is required for a sealed provider")
		} else if _, err := os.Stat(p.IdentityFile); err != nil {
			errs = append(errs, fmt.Sprintf("%s: identity file: %v", prefix, err))
		}
	case ProviderIntrospect:
		if p.Introspect.Endpoint == "" {
			errs = append(errs, prefix+": endpoint is required for an introspect provider")
		} else if _, err := url.ParseRequestURI(p.Introspect.Endpoint); err != nil {
			errs = append(errs, fmt.Sprintf("%s: endpoint: %v", prefix, err))
		}
	default:
		errs = append(errs, fmt.Sprintf("%s: kind must be static, sealed or introspect", prefix))
	}
	return errs
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
