package server

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded provider and state defaults
const (
	DefaultAuthURL      = "https://api.id.me/oauth/authorize"
	DefaultTokenURL     = "https://api.id.me/oauth/token"
	DefaultIssuer       = "https://api.id.me/oidc"
	DefaultPort         = "10000"
	DefaultStateTTL     = 10 * time.Minute
	DefaultHTTPTimeout  = 10 * time.Second
	DefaultResponseMode = "query"
	DefaultRedisPrefix  = "oidclogin:state:"
	DefaultMetricsPath  = "/metrics"
	DefaultHSTSMaxAge   = 31536000

	devClientID     = "oidclogin-dev"
	devClientSecret = "oidclogin-dev-secret"
)

// DefaultScopes mirrors the scopes requested by the hosted ID.me integration.
var DefaultScopes = []string{"openid", "login"}

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	State    StateConfig    `yaml:"state"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	ListenAddr      string    `yaml:"listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	SecretsPath     string    `yaml:"secrets_path"`
	MetricsPath     string    `yaml:"metrics_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// ProviderConfig describes the upstream identity provider and this relying party's registration with it.
type ProviderConfig struct {
	Name         string        `yaml:"name"`
	DisplayName  string        `yaml:"display_name"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	RedirectURI  string        `yaml:"redirect_uri"`
	AuthURL      string        `yaml:"auth_url"`
	TokenURL     string        `yaml:"token_url"`
	Issuer       string        `yaml:"issuer"`
	JWKSURL      string        `yaml:"jwks_url"`
	Discovery    bool          `yaml:"discovery"`
	Local        bool          `yaml:"local"`
	Scopes       []string      `yaml:"scopes"`
	ResponseMode string        `yaml:"response_mode"`
	SigningAlgs  []string      `yaml:"signing_algs"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
}

// StateConfig selects the backend holding pending login states.
type StateConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis connection settings for the state registry.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
// An empty path yields defaults plus environment.
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

	applyEnvOverrides(&cfg)
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       localPublicURL(DefaultPort),
			ListenAddr:      "0.0.0.0:" + DefaultPort,
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			SecretsPath:     ".secrets",
			MetricsPath:     DefaultMetricsPath,
			TLS: TLSConfig{
				MinVersion: "1.2",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
		},
		Provider: ProviderConfig{
			Name:         "idme",
			DisplayName:  "ID.me",
			AuthURL:      DefaultAuthURL,
			TokenURL:     DefaultTokenURL,
			Issuer:       DefaultIssuer,
			Scopes:       slices.Clone(DefaultScopes),
			ResponseMode: DefaultResponseMode,
			SigningAlgs:  []string{"RS256"},
			HTTPTimeout:  DefaultHTTPTimeout,
		},
		State: StateConfig{
			Backend: "memory",
			TTL:     DefaultStateTTL,
			Redis: RedisConfig{
				Addr:      "127.0.0.1:6379",
				KeyPrefix: DefaultRedisPrefix,
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

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		// Names used by the hosted deployment.
		"CLIENT_ID":     func(v string) { cfg.Provider.ClientID = v },
		"CLIENT_SECRET": func(v string) { cfg.Provider.ClientSecret = v },
		"REDIRECT_URI":  func(v string) { cfg.Provider.RedirectURI = v },
		"AUTH_URL":      func(v string) { cfg.Provider.AuthURL = v },
		"TOKEN_URL":     func(v string) { cfg.Provider.TokenURL = v },
		"ISSUER":        func(v string) { cfg.Provider.Issuer = v },
		"PORT":          func(v string) { cfg.Server.ListenAddr = net.JoinHostPort("0.0.0.0", strings.TrimSpace(v)) },

		"OIDCLOGIN_SERVER_PUBLIC_URL":   func(v string) { cfg.Server.PublicURL = v },
		"OIDCLOGIN_SERVER_LISTEN_ADDR":  func(v string) { cfg.Server.ListenAddr = v },
		"OIDCLOGIN_SERVER_DEV_MODE":     func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OIDCLOGIN_SERVER_SECRETS_PATH": func(v string) { cfg.Server.SecretsPath = v },
		"OIDCLOGIN_SERVER_METRICS_PATH": func(v string) { cfg.Server.MetricsPath = v },
		"OIDCLOGIN_SERVER_TLS_ENABLED":  func(v string) { cfg.Server.TLS.Enabled = parseBool(v, cfg.Server.TLS.Enabled) },
		"OIDCLOGIN_SERVER_TLS_DOMAINS":  func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OIDCLOGIN_SERVER_TLS_EMAIL":    func(v string) { cfg.Server.TLS.Email = v },
		"OIDCLOGIN_PROVIDER_JWKS_URL":   func(v string) { cfg.Provider.JWKSURL = v },
		"OIDCLOGIN_PROVIDER_DISCOVERY":  func(v string) { cfg.Provider.Discovery = parseBool(v, cfg.Provider.Discovery) },
		"OIDCLOGIN_PROVIDER_LOCAL":      func(v string) { cfg.Provider.Local = parseBool(v, cfg.Provider.Local) },
		"OIDCLOGIN_PROVIDER_SCOPES":     func(v string) { cfg.Provider.Scopes = splitScopes(v) },
		"OIDCLOGIN_PROVIDER_TIMEOUT":    func(v string) { cfg.Provider.HTTPTimeout = parseDuration(v, cfg.Provider.HTTPTimeout) },
		"OIDCLOGIN_STATE_BACKEND":       func(v string) { cfg.State.Backend = strings.ToLower(strings.TrimSpace(v)) },
		"OIDCLOGIN_STATE_TTL":           func(v string) { cfg.State.TTL = parseDuration(v, cfg.State.TTL) },
		"OIDCLOGIN_REDIS_ADDR":          func(v string) { cfg.State.Redis.Addr = v },
		"OIDCLOGIN_REDIS_PASSWORD":      func(v string) { cfg.State.Redis.Password = v },
		"OIDCLOGIN_REDIS_DB":            func(v string) { cfg.State.Redis.DB = parseInt(v, cfg.State.Redis.DB) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}

	// PORT also moves an untouched default public URL.
	if port, ok := os.LookupEnv("PORT"); ok && cfg.Server.PublicURL == localPublicURL(DefaultPort) {
		cfg.Server.PublicURL = localPublicURL(strings.TrimSpace(port))
	}
}

func localPublicURL(port string) string {
	return "http://" + net.JoinHostPort("127.0.0.1", port)
}

// applyDerived fills values that depend on other settings.
func (c *Config) applyDerived() {
	base := strings.TrimSuffix(c.Server.PublicURL, "/")
	if c.Server.DevMode && c.Provider.Local {
		issuer := base + devIDPPath
		c.Provider.Issuer = issuer
		c.Provider.AuthURL = issuer + "/authorize"
		c.Provider.TokenURL = issuer + "/token"
		c.Provider.JWKSURL = issuer + "/.well-known/jwks.json"
		c.Provider.Discovery = false
		if c.Provider.ClientID == "" {
			c.Provider.ClientID = devClientID
		}
		if c.Provider.ClientSecret == "" {
			c.Provider.ClientSecret = devClientSecret
		}
		if c.Provider.DisplayName == "" || c.Provider.DisplayName == "ID.me" {
			c.Provider.DisplayName = "Local Dev IdP"
		}
	}
	if c.Provider.RedirectURI == "" && c.Server.DevMode {
		c.Provider.RedirectURI = base + "/callback"
	}
	if c.Provider.JWKSURL == "" && !c.Provider.Discovery {
		c.Provider.JWKSURL = strings.TrimSuffix(c.Provider.Issuer, "/") + "/.well-known/jwks.json"
	}
	if !slices.Contains(c.Provider.Scopes, "openid") {
		c.Provider.Scopes = append([]string{"openid"}, c.Provider.Scopes...)
	}
	if c.State.Redis.KeyPrefix == "" {
		c.State.Redis.KeyPrefix = DefaultRedisPrefix
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// splitScopes accepts either space or comma separated scope lists.
func splitScopes(val string) []string {
	return strings.Fields(strings.ReplaceAll(val, ",", " "))
}

// Validate performs sanity checks on the config. Every failure is a *ConfigError.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return configFail("server.public_url", "is required")
	}
	if !isHTTPURL(c.Server.PublicURL) {
		return configFail("server.public_url", "must start with http:// or https://, got: "+c.Server.PublicURL)
	}

	if c.Server.TLS.Enabled && !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return configFail("server.tls.domains", "must be provided when tls is enabled")
	}
	if c.Server.TLS.MinVersion != "" && c.Server.TLS.MinVersion != "1.2" && c.Server.TLS.MinVersion != "1.3" {
		return configFail("server.tls.min_version", "must be '1.2' or '1.3', got: "+c.Server.TLS.MinVersion)
	}
	if c.Server.MetricsPath != "" && !strings.HasPrefix(c.Server.MetricsPath, "/") {
		return configFail("server.metrics_path", "must start with /")
	}

	p := c.Provider
	if p.Local && !c.Server.DevMode {
		return configFail("provider.local", "requires server.dev_mode")
	}
	if p.ClientID == "" {
		return configFail("provider.client_id", "is required (set CLIENT_ID)")
	}
	if p.ClientSecret == "" {
		return configFail("provider.client_secret", "is required (set CLIENT_SECRET)")
	}
	if p.RedirectURI == "" {
		return configFail("provider.redirect_uri", "is required (set REDIRECT_URI) and must exactly match the provider registration")
	}
	if !isHTTPURL(p.RedirectURI) {
		return configFail("provider.redirect_uri", "must be an absolute http(s) URL, got: "+p.RedirectURI)
	}
	if p.Issuer == "" {
		return configFail("provider.issuer", "is required (set ISSUER)")
	}
	if !p.Discovery {
		endpoints := []struct{ field, value string }{
			{"provider.auth_url", p.AuthURL},
			{"provider.token_url", p.TokenURL},
			{"provider.jwks_url", p.JWKSURL},
		}
		for _, e := range endpoints {
			if !isHTTPURL(e.value) {
				return configFail(e.field, "must be an absolute http(s) URL, got: "+e.value)
			}
		}
	}
	if p.HTTPTimeout <= 0 {
		return configFail("provider.http_timeout", "must be positive")
	}
	if len(p.SigningAlgs) == 0 {
		return configFail("provider.signing_algs", "must list at least one algorithm")
	}

	switch c.State.Backend {
	case "memory":
	case "redis":
		if c.State.Redis.Addr == "" {
			return configFail("state.redis.addr", "is required for the redis backend")
		}
	default:
		return configFail("state.backend", "must be 'memory' or 'redis', got: "+c.State.Backend)
	}
	if c.State.TTL <= 0 {
		return configFail("state.ttl", "must be positive")
	}

	return nil
}

func configFail(field, reason string) error {
	slog.Error("Invalid configuration value", "field", field, "reason", reason)
	return &ConfigError{Field: field, Reason: reason}
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
