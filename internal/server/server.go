// Package server implements the HTTP transport layer for the AI Guard proxy:
// the proxy pipeline on the catch-all route and the management API under
// /_api.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	guard "github.com/eugener/aiguard/internal"
	"github.com/eugener/aiguard/internal/audit"
	"github.com/eugener/aiguard/internal/auth"
	"github.com/eugener/aiguard/internal/credential"
	"github.com/eugener/aiguard/internal/proxy"
	"github.com/eugener/aiguard/internal/ratelimit"
	"github.com/eugener/aiguard/internal/storage"
	"github.com/eugener/aiguard/internal/telemetry"
	"github.com/eugener/aiguard/internal/usage"
	"github.com/eugener/aiguard/internal/validate"
	"github.com/eugener/aiguard/internal/vault"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server. Constructed once in main
// and passed explicitly; the server keeps no global state.
type Deps struct {
	Auth       auth.Authenticator
	Validator  *validate.Validator
	Limiter    ratelimit.Limiter
	Resolver   *credential.Resolver
	Forwarder  *proxy.Forwarder
	Vault      *vault.Vault
	Store      storage.Store
	Tracker    *usage.Tracker
	Audit      *audit.Writer
	Metrics    *telemetry.Metrics  // nil = no metrics
	Gatherer   prometheus.Gatherer // nil = no /metrics endpoint
	ReadyCheck ReadyChecker        // nil = always ready (for tests)

	AdminKey       string
	MaxRequestSize int64
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.MaxRequestSize <= 0 {
		deps.MaxRequestSize = 10 << 20
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestMeta)
	r.Use(s.logging)

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Management API. Browser consoles call this directly, hence CORS.
	r.Route("/_api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Admin-Key"},
			MaxAge:         300,
		}))
		// The admin tree sits outside the bearer-auth group: a valid
		// X-Admin-Key admits on its own, no PAT required.
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminOnly)
			s.mountAdmin(r)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			s.mountManagement(r)
		})
	})

	// Everything else is proxied upstream.
	r.Handle("/*", http.HandlerFunc(s.handleProxy))

	return r
}

type server struct {
	deps Deps
}

func (s *server) project(ctx context.Context, id string) (*guard.Project, error) {
	return s.deps.Store.GetProject(ctx, id)
}
