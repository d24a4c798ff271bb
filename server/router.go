package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the auth endpoints and backend forwarding.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger, a.Metrics))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Origins))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Get("/providers", a.handleProviders)
		r.Get("/session", a.handleSession)
		r.Get("/oidc/start", a.handleOIDCStart)
		r.Get("/oidc/callback", a.handleOIDCCallback)

		r.Group(func(r chi.Router) {
			r.Use(a.Origins.Middleware(a.Audit))
			r.Post("/login", a.handleLogin)
			r.Post("/logout", a.handleLogout)
		})
	})

	if a.Backend != nil {
		r.Route(strings.TrimSuffix(a.Config.Backend.StripPrefix, "/"), func(r chi.Router) {
			r.Use(a.Guard.Middleware)
			r.Use(a.Origins.Middleware(a.Audit))
			r.Handle("/*", a.Backend)
		})
	}

	return r
}
