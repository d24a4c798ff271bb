package server

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Hardcoded session, throttle and token defaults
const (
	DefaultSessionTTL          = 12 * time.Hour
	DefaultThrottleWindow      = 15 * time.Minute
	DefaultThrottleMaxAttempts = 5
	DefaultThrottleLockout     = 15 * time.Minute
	DefaultProxyTokenTTL       = 5 * time.Minute
	DefaultDiscoveryTTL        = 10 * time.Minute
	DefaultFlowCookieTTL       = 10 * time.Minute
	DefaultUpstreamTimeout     = 10 * time.Second
	DefaultBackendTimeout      = 30 * time.Second

	// MinSecretLength is the shortest accepted HMAC secret, in bytes.
	MinSecretLength = 32
)

// AuthMode selects how the dashboard authenticates operators.
type AuthMode string

const (
	AuthModePassword AuthMode = "password"
	AuthModeOIDC     AuthMode = "oidc"
	AuthModeDisabled AuthMode = "disabled"
)

// ProxyTokenMode selects per-user minting or a fixed operator token.
type ProxyTokenMode string

const (
	ProxyTokenModeJWT    ProxyTokenMode = "jwt"
	ProxyTokenModeStatic ProxyTokenMode = "static"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Session    SessionConfig    `yaml:"session"`
	Throttle   ThrottleConfig   `yaml:"throttle"`
	Origin     OriginConfig     `yaml:"origin"`
	OIDC       OIDCConfig       `yaml:"oidc"`
	ProxyToken ProxyTokenConfig `yaml:"proxy_token"`
	Backend    BackendConfig    `yaml:"backend"`
	Store      StoreConfig      `yaml:"store"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string    `yaml:"public_url" env:"DASHAUTH_PUBLIC_URL"`
	DevListenAddr     string    `yaml:"dev_listen_addr" env:"DASHAUTH_DEV_LISTEN_ADDR"`
	HTTPListenAddr    string    `yaml:"http_listen_addr" env:"DASHAUTH_HTTP_LISTEN_ADDR"`
	HTTPSListenAddr   string    `yaml:"https_listen_addr" env:"DASHAUTH_HTTPS_LISTEN_ADDR"`
	DevMode           bool      `yaml:"dev_mode" env:"DASHAUTH_DEV_MODE"`
	DashboardPath     string    `yaml:"dashboard_path" env:"DASHAUTH_DASHBOARD_PATH"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers" env:"DASHAUTH_TRUST_PROXY_HEADERS"`
	TLS               TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains    []string `yaml:"domains" env:"DASHAUTH_TLS_DOMAINS" envSeparator:","`
	Email      string   `yaml:"email" env:"DASHAUTH_TLS_EMAIL"`
	CacheDir   string   `yaml:"cache_dir" env:"DASHAUTH_TLS_CACHE_DIR"`
	HSTSMaxAge int      `yaml:"hsts_max_age" env:"DASHAUTH_TLS_HSTS_MAX_AGE"`
}

// AuthConfig selects the login mode and holds the password credential.
type AuthConfig struct {
	Mode     AuthMode `yaml:"mode" env:"DASHAUTH_AUTH_MODE"`
	Username string   `yaml:"username" env:"DASHAUTH_USERNAME"`
	// PasswordSecret is either the plaintext password or an $argon2id$ PHC hash.
	PasswordSecret string `yaml:"password_secret" env:"DASHAUTH_PASSWORD_SECRET"`
}

// SessionConfig controls the signed session cookie.
type SessionConfig struct {
	Secret     string        `yaml:"secret" env:"DASHAUTH_SESSION_SECRET"`
	TTL        time.Duration `yaml:"ttl" env:"DASHAUTH_SESSION_TTL"`
	CookieName string        `yaml:"cookie_name" env:"DASHAUTH_SESSION_COOKIE"`
}

// ThrottleConfig bounds failed login attempts per client fingerprint.
type ThrottleConfig struct {
	Window      time.Duration `yaml:"window" env:"DASHAUTH_THROTTLE_WINDOW"`
	MaxAttempts int           `yaml:"max_attempts" env:"DASHAUTH_THROTTLE_MAX_ATTEMPTS"`
	Lockout     time.Duration `yaml:"lockout" env:"DASHAUTH_THROTTLE_LOCKOUT"`
}

// OriginConfig configures cross-origin protection of mutating requests.
type OriginConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"DASHAUTH_ALLOWED_ORIGINS" envSeparator:","`
	// AllowMissingOrigin accepts mutating requests without Origin or Referer. Insecure.
	AllowMissingOrigin bool `yaml:"allow_missing_origin" env:"DASHAUTH_ALLOW_MISSING_ORIGIN"`
}

// OIDCConfig groups upstream providers.
type OIDCConfig struct {
	Auth0  UpstreamProvider `yaml:"auth0" envPrefix:"DASHAUTH_AUTH0_"`
	Entra  UpstreamProvider `yaml:"entra" envPrefix:"DASHAUTH_ENTRA_"`
	GitHub UpstreamProvider `yaml:"github" envPrefix:"DASHAUTH_GITHUB_"`
	// Legacy is the single-provider configuration, used only when no dedicated provider is set.
	Legacy UpstreamProvider `yaml:"legacy" envPrefix:"DASHAUTH_OIDC_"`

	// AllowUnsignedIDTokenFallback trusts ID token claims when no userinfo
	// endpoint can corroborate them. Insecure.
	AllowUnsignedIDTokenFallback bool          `yaml:"allow_unsigned_id_token_fallback" env:"DASHAUTH_OIDC_ALLOW_UNSIGNED_FALLBACK"`
	DiscoveryTTL                 time.Duration `yaml:"discovery_ttl" env:"DASHAUTH_OIDC_DISCOVERY_TTL"`
	HTTPTimeout                  time.Duration `yaml:"http_timeout" env:"DASHAUTH_OIDC_HTTP_TIMEOUT"`
}

// UpstreamProvider encapsulates issuer and credentials for an upstream IdP.
type UpstreamProvider struct {
	Label                 string   `yaml:"label" env:"LABEL"`
	Issuer                string   `yaml:"issuer" env:"ISSUER"`
	ClientID              string   `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret          string   `yaml:"client_secret" env:"CLIENT_SECRET"`
	TenantID              string   `yaml:"tenant_id" env:"TENANT_ID"`
	Scopes                []string `yaml:"scopes" env:"SCOPES" envSeparator:","`
	RedirectURI           string   `yaml:"redirect_uri" env:"REDIRECT_URI"`
	Prompt                string   `yaml:"prompt" env:"PROMPT"`
	TenantClaims          []string `yaml:"tenant_claims" env:"TENANT_CLAIMS" envSeparator:","`
	AuthorizationEndpoint string   `yaml:"authorization_endpoint" env:"AUTHORIZATION_ENDPOINT"`
	TokenEndpoint         string   `yaml:"token_endpoint" env:"TOKEN_ENDPOINT"`
	UserinfoEndpoint      string   `yaml:"userinfo_endpoint" env:"USERINFO_ENDPOINT"`
	EmailsEndpoint        string   `yaml:"emails_endpoint" env:"EMAILS_ENDPOINT"`
}

// Configured reports whether any credential for the provider has been supplied.
func (u UpstreamProvider) Configured() bool {
	return u.ClientID != "" || u.ClientSecret != ""
}

// ProxyTokenConfig controls the backend credentials minted per request.
type ProxyTokenConfig struct {
	Mode        ProxyTokenMode `yaml:"mode" env:"DASHAUTH_PROXY_TOKEN_MODE"`
	Secret      string         `yaml:"secret" env:"DASHAUTH_PROXY_TOKEN_SECRET"`
	Algorithm   string         `yaml:"algorithm" env:"DASHAUTH_PROXY_TOKEN_ALG"`
	Issuer      string         `yaml:"issuer" env:"DASHAUTH_PROXY_TOKEN_ISSUER"`
	Audience    string         `yaml:"audience" env:"DASHAUTH_PROXY_TOKEN_AUDIENCE"`
	TTL         time.Duration  `yaml:"ttl" env:"DASHAUTH_PROXY_TOKEN_TTL"`
	StaticToken string         `yaml:"static_token" env:"DASHAUTH_PROXY_STATIC_TOKEN"`
}

// BackendConfig describes the API the dashboard forwards calls to.
type BackendConfig struct {
	Target      string        `yaml:"target" env:"DASHAUTH_BACKEND_URL"`
	StripPrefix string        `yaml:"strip_prefix" env:"DASHAUTH_BACKEND_STRIP_PREFIX"`
	Timeout     time.Duration `yaml:"timeout" env:"DASHAUTH_BACKEND_TIMEOUT"`
	ReadScopes  []string      `yaml:"read_scopes" env:"DASHAUTH_BACKEND_READ_SCOPES" envSeparator:","`
	WriteScopes []string      `yaml:"write_scopes" env:"DASHAUTH_BACKEND_WRITE_SCOPES" envSeparator:","`
}

// StoreConfig selects the key-value store backing throttle and discovery state.
type StoreConfig struct {
	Driver string           `yaml:"driver" env:"DASHAUTH_STORE_DRIVER"`
	Redis  RedisStoreConfig `yaml:"redis"`
}

// RedisStoreConfig holds Redis connection settings.
type RedisStoreConfig struct {
	Addrs      []string `yaml:"addrs" env:"DASHAUTH_REDIS_ADDRS" envSeparator:","`
	MasterName string   `yaml:"master_name" env:"DASHAUTH_REDIS_MASTER_NAME"`
	Username   string   `yaml:"username" env:"DASHAUTH_REDIS_USERNAME"`
	Password   string   `yaml:"password" env:"DASHAUTH_REDIS_PASSWORD"`
	DB         int      `yaml:"db" env:"DASHAUTH_REDIS_DB"`
	KeyPrefix  string   `yaml:"key_prefix" env:"DASHAUTH_REDIS_KEY_PREFIX"`
}

// LoadConfig reads the YAML config file, merges environment overrides and validates.
// An empty path loads defaults plus environment only.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		slog.Error("Failed to parse environment overrides", "error", err)
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			DashboardPath:   "/",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				CacheDir:   ".secrets/tls",
				HSTSMaxAge: 31536000,
			},
		},
		Auth: AuthConfig{
			Mode:     AuthModePassword,
			Username: "admin",
		},
		Session: SessionConfig{
			TTL:        DefaultSessionTTL,
			CookieName: "dash_session",
		},
		Throttle: ThrottleConfig{
			Window:      DefaultThrottleWindow,
			MaxAttempts: DefaultThrottleMaxAttempts,
			Lockout:     DefaultThrottleLockout,
		},
		OIDC: OIDCConfig{
			Entra: UpstreamProvider{
				Issuer: "https://login.microsoftonline.com/common/v2.0",
			},
			DiscoveryTTL: DefaultDiscoveryTTL,
			HTTPTimeout:  DefaultUpstreamTimeout,
		},
		ProxyToken: ProxyTokenConfig{
			Mode:      ProxyTokenModeJWT,
			Algorithm: "HS256",
			Issuer:    "dashauth",
			Audience:  "backend-api",
			TTL:       DefaultProxyTokenTTL,
		},
		Backend: BackendConfig{
			StripPrefix: "/api",
			Timeout:     DefaultBackendTimeout,
			ReadScopes:  []string{"read"},
			WriteScopes: []string{"read", "write"},
		},
		Store: StoreConfig{
			Driver: "memory",
			Redis: RedisStoreConfig{
				KeyPrefix: "dashauth:",
			},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

// Validate performs sanity checks on the config. Every failure is a ConfigError.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return configErrorf("server.public_url", "is required")
	}
	if _, ok := normalizeOrigin(c.Server.PublicURL); !ok {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must be an absolute http(s) URL")
		return configErrorf("server.public_url", "must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return configErrorf("server.tls.domains", "must be provided in production")
	}

	if !strings.HasPrefix(c.Server.DashboardPath, "/") {
		slog.Error("Invalid configuration value", "field", "server.dashboard_path", "value", c.Server.DashboardPath)
		return configErrorf("server.dashboard_path", "must be an absolute path, got: %q", c.Server.DashboardPath)
	}

	switch c.Auth.Mode {
	case AuthModePassword:
		if c.Auth.PasswordSecret == "" {
			slog.Error("Missing required configuration", "field", "auth.password_secret", "mode", c.Auth.Mode)
			return configErrorf("auth.password_secret", "is required in password mode")
		}
		if isArgon2Hash(c.Auth.PasswordSecret) {
			if _, err := parseArgon2Hash(c.Auth.PasswordSecret); err != nil {
				slog.Error("Invalid password hash", "field", "auth.password_secret", "error", err)
				return configErrorf("auth.password_secret", "%v", err)
			}
		}
	case AuthModeOIDC:
		providers, err := buildProviderConfigs(c)
		if err != nil {
			slog.Error("Invalid identity provider configuration", "error", err)
			return err
		}
		if len(providers) == 0 {
			slog.Error("No identity provider configured", "mode", c.Auth.Mode)
			return configErrorf("oidc", "at least one provider must be configured in oidc mode")
		}
	case AuthModeDisabled:
	default:
		slog.Error("Invalid configuration value", "field", "auth.mode", "value", c.Auth.Mode, "valid_values", []AuthMode{AuthModePassword, AuthModeOIDC, AuthModeDisabled})
		return configErrorf("auth.mode", "must be one of password, oidc, disabled, got: %q", c.Auth.Mode)
	}

	if c.Auth.Mode != AuthModeDisabled {
		if len(c.Session.Secret) < MinSecretLength {
			slog.Error("Session secret too short", "field", "session.secret", "min_length", MinSecretLength)
			return configErrorf("session.secret", "must be at least %d bytes", MinSecretLength)
		}
		if c.Session.TTL <= 0 {
			return configErrorf("session.ttl", "must be positive")
		}
	}
	if c.Session.CookieName == "" {
		return configErrorf("session.cookie_name", "is required")
	}

	if c.Throttle.Window <= 0 || c.Throttle.Lockout <= 0 || c.Throttle.MaxAttempts <= 0 {
		slog.Error("Invalid throttle configuration", "window", c.Throttle.Window, "lockout", c.Throttle.Lockout, "max_attempts", c.Throttle.MaxAttempts)
		return configErrorf("throttle", "window, lockout and max_attempts must be positive")
	}

	for i, origin := range c.Origin.AllowedOrigins {
		if _, ok := normalizeOrigin(origin); !ok {
			slog.Error("Invalid allowed origin", "index", i, "origin", origin)
			return configErrorf(fmt.Sprintf("origin.allowed_origins[%d]", i), "must be scheme://host[:port], got: %s", origin)
		}
	}

	if c.OIDC.DiscoveryTTL <= 0 {
		return configErrorf("oidc.discovery_ttl", "must be positive")
	}

	if c.Backend.Target != "" {
		if !strings.HasPrefix(c.Backend.Target, "http://") && !strings.HasPrefix(c.Backend.Target, "https://") {
			slog.Error("Invalid backend target URL", "target", c.Backend.Target, "reason", "must be a valid HTTP(S) URL")
			return configErrorf("backend.target", "must start with http:// or https://, got: %s", c.Backend.Target)
		}
		if prefix := strings.TrimSuffix(c.Backend.StripPrefix, "/"); !strings.HasPrefix(prefix, "/") || prefix == "/auth" {
			slog.Error("Invalid configuration value", "field", "backend.strip_prefix", "value", c.Backend.StripPrefix)
			return configErrorf("backend.strip_prefix", "must be a path such as /api, got: %q", c.Backend.StripPrefix)
		}
	}

	if err := c.validateProxyToken(); err != nil {
		return err
	}

	switch c.Store.Driver {
	case "", "memory":
	case "redis":
		if len(c.Store.Redis.Addrs) == 0 {
			slog.Error("Missing required configuration", "field", "store.redis.addrs")
			return configErrorf("store.redis.addrs", "at least one address is required for the redis driver")
		}
	default:
		slog.Error("Invalid configuration value", "field", "store.driver", "value", c.Store.Driver)
		return configErrorf("store.driver", "must be memory or redis, got: %q", c.Store.Driver)
	}

	return nil
}

func (c Config) validateProxyToken() error {
	pt := c.ProxyToken
	switch pt.Mode {
	case ProxyTokenModeStatic:
		if c.Backend.Target != "" && pt.StaticToken == "" {
			slog.Error("Missing required configuration", "field", "proxy_token.static_token", "mode", pt.Mode)
			return configErrorf("proxy_token.static_token", "is required in static mode")
		}
		return nil
	case ProxyTokenModeJWT, "":
	default:
		return configErrorf("proxy_token.mode", "must be jwt or static, got: %q", pt.Mode)
	}

	if _, err := signingMethodFor(pt.Algorithm); err != nil {
		slog.Error("Invalid proxy token algorithm", "field", "proxy_token.algorithm", "value", pt.Algorithm, "valid_values", []string{"HS256", "HS384", "HS512"})
		return err
	}
	if pt.TTL <= 0 {
		return configErrorf("proxy_token.ttl", "must be positive")
	}
	if c.Backend.Target != "" && len(pt.Secret) < MinSecretLength {
		slog.Error("Proxy token secret too short", "field", "proxy_token.secret", "min_length", MinSecretLength)
		return configErrorf("proxy_token.secret", "must be at least %d bytes", MinSecretLength)
	}
	return nil
}

// SecureCookies reports whether cookies should carry the Secure attribute.
func (c Config) SecureCookies() bool {
	return !c.Server.DevMode
}
