// Package server implements the HTTP transport layer for AutoRouter: the
// proxy catch-all and the token-protected admin API.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/g1331/autorouter/internal/auth"
	"github.com/g1331/autorouter/internal/circuitbreaker"
	"github.com/g1331/autorouter/internal/compensate"
	"github.com/g1331/autorouter/internal/quota"
	"github.com/g1331/autorouter/internal/storage"
	"github.com/g1331/autorouter/internal/telemetry"
	"github.com/g1331/autorouter/internal/upstream"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth       *auth.APIKeyAuth
	Keys       *auth.Manager
	Upstreams  *upstream.Registry
	Breakers   *circuitbreaker.Registry
	Quotas     *quota.Tracker
	Comp       *compensate.Engine
	Store      storage.Store
	Proxy      http.Handler // the failover engine
	ReadyCheck ReadyChecker // nil = always ready (for tests)
	Metrics    *telemetry.Metrics
	AdminToken string
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	// Admin API (bearer token)
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(s.adminAuth)

		r.Route("/upstreams", func(r chi.Router) {
			r.Get("/", s.handleListUpstreams)
			r.Post("/", s.handleCreateUpstream)
			r.Get("/{id}", s.handleGetUpstream)
			r.Put("/{id}", s.handleUpdateUpstream)
			r.Delete("/{id}", s.handleDeleteUpstream)
			r.Get("/quota", s.handleQuotaOverview)
			r.Get("/{id}/quota", s.handleGetQuota)
			r.Post("/quota/resync", s.handleQuotaResync)
		})

		r.Route("/circuit-breakers", func(r chi.Router) {
			r.Get("/", s.handleListBreakers)
			r.Get("/{id}", s.handleGetBreaker)
			r.Post("/{id}/force-open", s.handleForceOpen)
			r.Post("/{id}/force-close", s.handleForceClose)
		})

		r.Route("/keys", func(r chi.Router) {
			r.Get("/", s.handleListKeys)
			r.Post("/", s.handleCreateKey)
			r.Get("/{id}", s.handleGetKey)
			r.Put("/{id}", s.handleUpdateKey)
			r.Delete("/{id}", s.handleDeleteKey)
			r.Post("/{id}/reveal", s.handleRevealKey)
		})

		r.Route("/compensation-rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)
			r.Get("/{id}", s.handleGetRule)
			r.Put("/{id}", s.handleUpdateRule)
			r.Delete("/{id}", s.handleDeleteRule)
		})

		r.Route("/prices", func(r chi.Router) {
			r.Get("/", s.handleListPrices)
			r.Put("/", s.handleUpsertPrice)
			r.Get("/overrides", s.handleListOverrides)
			r.Put("/overrides/{model}", s.handleUpsertOverride)
			r.Delete("/overrides/{model}", s.handleDeleteOverride)
		})

		r.Get("/logs", s.handleListLogs)
		r.Get("/logs/{id}", s.handleGetLog)

		r.Route("/stats", func(r chi.Router) {
			r.Get("/overview", s.handleStatsOverview)
			r.Get("/timeseries", s.handleStatsTimeseries)
			r.Get("/leaderboard", s.handleStatsLeaderboard)
		})
	})

	// Proxy surface: everything else, authenticated by API key. The engine
	// classifies the path itself.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Handle("/*", deps.Proxy)
	})

	return r
}

type server struct {
	deps Deps
}
