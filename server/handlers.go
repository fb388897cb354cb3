package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"
)

const devKeysFile = "devidp-jwks.json"

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	States   StateRegistry
	Provider IdentityProvider
	Metrics  *Metrics
	DevIDP   *DevIdentityProvider
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	states, err := NewStateRegistry(cfg.State)
	if err != nil {
		return nil, err
	}
	if pinger, ok := states.(interface{ Ping(context.Context) error }); ok {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := pinger.Ping(pingCtx)
		cancel()
		if err != nil {
			closeQuietly(states)
			return nil, fmt.Errorf("connect state backend %s: %w", cfg.State.Backend, err)
		}
	}

	app := &App{
		Config:  cfg,
		Logger:  logger,
		States:  states,
		Metrics: NewMetrics(),
	}

	if cfg.Server.DevMode && cfg.Provider.Local {
		keyPath := ""
		if cfg.Server.SecretsPath != "" {
			keyPath = filepath.Join(cfg.Server.SecretsPath, devKeysFile)
		}
		keys, err := NewSigningKeys(keyPath, logger)
		if err != nil {
			closeQuietly(states)
			return nil, err
		}
		app.DevIDP = NewDevIdentityProvider(DevIdentityConfig{
			Issuer:       cfg.Provider.Issuer,
			ClientID:     cfg.Provider.ClientID,
			ClientSecret: cfg.Provider.ClientSecret,
			RedirectURI:  cfg.Provider.RedirectURI,
		}, keys, logger)
		logger.Warn("dev identity provider enabled", "issuer", cfg.Provider.Issuer, "kid", keys.KeyID())
	}

	provider, err := NewOIDCProvider(ctx, cfg.Provider, logger)
	if err != nil {
		closeQuietly(states)
		return nil, err
	}
	app.Provider = provider

	return app, nil
}

// Close releases the state backend.
func (a *App) Close() error {
	if c, ok := a.States.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func closeQuietly(v any) {
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	renderHTML(w, a.Logger, indexTemplate, indexView{
		ProviderName: a.Config.Provider.DisplayName,
		Offers:       eligibilityOffers,
	})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := a.States.Issue(r.Context())
	if err != nil {
		a.Logger.Error("issue state", "request_id", RequestIDFromContext(r.Context()), "error", err)
		if a.Metrics != nil {
			a.Metrics.loginStarted(false)
		}
		writeText(w, http.StatusInternalServerError, "Unable to start login, please retry")
		return
	}
	if a.Metrics != nil {
		a.Metrics.loginStarted(true)
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, a.Provider.AuthCodeURL(state), http.StatusFound)
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "ok")
}
