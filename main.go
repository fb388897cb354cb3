package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"oidclogin/server"
)

const defaultConfigFile = "./config.yaml"

func main() {
	configPath := flag.String("config", os.Getenv("OIDCLOGIN_CONFIG"), "Path to YAML config (optional, environment variables are always applied)")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = defaultConfigFile
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	if len(args) > 0 && args[0] == "connect" {
		command = "connect"
	}

	cfg, err := loadConfig(*configPath, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "connect" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runConnect(ctx, cfg, logger, nil, nil); err != nil {
			logger.Error("provider connectivity failed", "provider", cfg.Provider.Name, "error", err)
			os.Exit(1)
		}
		logger.Info("provider connectivity succeeded", "provider", cfg.Provider.Name)
		return
	}

	if !cfg.Provider.Local {
		probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		validateStartupURLs(probeCtx, cfg, logger)
		cancel()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer application.Close()

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if !cfg.Server.TLS.Enabled || cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.ListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", modeName(cfg), "addr", cfg.Server.ListenAddr, "public_url", cfg.Server.PublicURL, "provider", cfg.Provider.Name)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
				stop()
			}
		}()
	} else {
		tlsCachePath := filepath.Join(cfg.Server.SecretsPath, "tls")

		m := &autocert.Manager{
			Cache:      autocert.DirCache(tlsCachePath),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
		}

		httpRedirect := &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:         cfg.Server.HTTPSListenAddr,
			Handler:      handler,
			TLSConfig:    tlsCfg,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "tls", "addr", cfg.Server.HTTPSListenAddr, "domains", cfg.Server.TLS.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func modeName(cfg server.Config) string {
	if cfg.Server.DevMode {
		return "dev"
	}
	return "http"
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// runConnect issues an authorization URL and follows it to the provider's login page.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, provider server.IdentityProvider, httpClient *http.Client) error {
	if provider == nil {
		p, err := server.NewOIDCProvider(ctx, cfg.Provider, logger)
		if err != nil {
			return fmt.Errorf("build provider: %w", err)
		}
		provider = p
	}

	state, err := server.NewMemoryStateRegistry(cfg.State.TTL).Issue(ctx)
	if err != nil {
		return fmt.Errorf("issue state: %w", err)
	}
	authURL := provider.AuthCodeURL(state)
	logger.Info("connect.start", "provider", cfg.Provider.Name, "auth_url", authURL)
	logger.Info("connect.instructions", "provider", cfg.Provider.Name, "message", "Open auth_url in a browser to perform interactive login if needed", "auth_url", authURL)

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		step := len(via) + 1
		logger.Info("connect.redirect", "step", step, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}

	logger.Info("connect.success", "provider", cfg.Provider.Name, "message", "Reached provider login endpoint")
	return nil
}

// loadConfig reads path when given. Without a path, ./config.yaml is used if present,
// otherwise configuration comes from the environment alone.
func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		} else {
			logger.Debug("no config file, using environment")
			return server.LoadConfig("")
		}
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(os.Stdin, os.Stdout, path, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}
	if cfg.Provider.Local {
		logger.Info("local dev provider configured, skipping URL probes")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating provider URLs...")
	client := newProbeClient()
	for _, target := range providerProbeURLs(cfg) {
		if err := probeReachable(ctx, client, target.url); err != nil {
			logger.Error("provider URL validation failed", "endpoint", target.name, "url", target.url, "error", err)
		} else {
			logger.Info("provider URL is accessible", "endpoint", target.name, "url", target.url)
		}
	}

	logger.Info("configuration validation complete")
	return nil
}

type probeTarget struct {
	name string
	url  string
}

func providerProbeURLs(cfg server.Config) []probeTarget {
	p := cfg.Provider
	if p.Discovery {
		return []probeTarget{{"discovery", strings.TrimSuffix(p.Issuer, "/") + "/.well-known/openid-configuration"}}
	}
	return []probeTarget{
		{"jwks", p.JWKSURL},
		{"authorize", p.AuthURL},
	}
}

func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	client := newProbeClient()
	for _, target := range providerProbeURLs(cfg) {
		if err := probeReachable(ctx, client, target.url); err != nil {
			logger.Warn("provider URL may not be accessible",
				"provider", cfg.Provider.Name,
				"endpoint", target.name,
				"url", target.url,
				"error", err,
				"note", "server will continue but authentication may fail")
		} else {
			logger.Debug("provider URL is accessible", "endpoint", target.name, "url", target.url)
		}
	}
}

// newProbeClient reports the endpoint's own status instead of following redirects.
func newProbeClient() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// probeReachable treats any answer below 500 as reachable. Authorization
// endpoints commonly reject a bare GET with 4xx.
func probeReachable(ctx context.Context, client *http.Client, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build probe: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", target, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s: provider answered %s", target, resp.Status)
	}
	return nil
}

func runSetup(in io.Reader, out io.Writer, path string, logger *slog.Logger) (server.Config, error) {
	p := &prompter{in: bufio.NewReader(in), out: out}
	fmt.Fprintf(out, "No configuration file found at %s.\n", path)
	fmt.Fprintln(out, "Starting guided setup for the ID.me login demo. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	cfg.Server.DevMode = p.confirm("Run in development mode?", true)
	if cfg.Server.DevMode {
		cfg.Provider.Local = p.confirm("Use the built-in dev identity provider?", true)
		cfg.Server.ListenAddr = p.text("Listen address", cfg.Server.ListenAddr)
		cfg.Server.PublicURL = strings.TrimSuffix(p.text("Public URL", cfg.Server.PublicURL), "/")
	} else {
		domain := strings.TrimSuffix(p.required("Primary public domain (e.g. discounts.example.com)"), "/")
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + domain
		cfg.Server.TLS.Email = p.text("ACME contact email", cfg.Server.TLS.Email)
	}

	if !cfg.Provider.Local {
		cfg.Provider.ClientID = p.required("Provider client ID")
		cfg.Provider.ClientSecret = p.required("Provider client secret")
		cfg.Provider.RedirectURI = p.text("Redirect URI registered with the provider", cfg.Server.PublicURL+"/callback")
		cfg.Provider.Issuer = p.text("Issuer", cfg.Provider.Issuer)
		cfg.Provider.AuthURL = p.text("Authorization endpoint", cfg.Provider.AuthURL)
		cfg.Provider.TokenURL = p.text("Token endpoint", cfg.Provider.TokenURL)
	}

	if p.confirm("Store login state in Redis?", false) {
		cfg.State.Backend = "redis"
		cfg.State.Redis.Addr = p.text("Redis address", cfg.State.Redis.Addr)
	}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

// prompter asks setup questions one line at a time. Once input is exhausted
// every question takes its default.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
	eof bool
}

func (p *prompter) readLine() string {
	if p.eof {
		return ""
	}
	line, err := p.in.ReadString('\n')
	if err != nil {
		p.eof = true
	}
	return strings.TrimSpace(line)
}

func (p *prompter) text(question, def string) string {
	if def == "" {
		fmt.Fprintf(p.out, "%s: ", question)
	} else {
		fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	}
	if answer := p.readLine(); answer != "" {
		return answer
	}
	return strings.TrimSpace(def)
}

func (p *prompter) required(question string) string {
	for {
		fmt.Fprintf(p.out, "%s: ", question)
		if answer := p.readLine(); answer != "" || p.eof {
			return answer
		}
		fmt.Fprintln(p.out, "A value is required here.")
	}
}

func (p *prompter) confirm(question string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	for {
		fmt.Fprintf(p.out, "%s [%s]: ", question, hint)
		switch answer := strings.ToLower(p.readLine()); answer {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if p.eof {
			return def
		}
		fmt.Fprintln(p.out, "Answer y or n.")
	}
}

var logLevelAliases = map[string]string{"": "info", "warning": "warn", "err": "error"}

// parseLogLevel accepts the slog level names plus a few common aliases.
func parseLogLevel(value string) (slog.Level, error) {
	name := strings.ToLower(strings.TrimSpace(value))
	if alias, ok := logLevelAliases[name]; ok {
		name = alias
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", value)
	}
	return level, nil
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
