package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router for the login flow.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger, a.Metrics))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/", a.handleIndex)
	r.Get("/login", a.handleLogin)
	r.Get("/callback", a.handleCallback)
	r.Get("/healthz", a.handleHealthz)

	if a.Metrics != nil && a.Config.Server.MetricsPath != "" {
		r.Method(http.MethodGet, a.Config.Server.MetricsPath, a.Metrics.Handler())
	}

	if a.DevIDP != nil {
		r.Mount(devIDPPath, a.DevIDP.Routes())
	}

	return r
}
