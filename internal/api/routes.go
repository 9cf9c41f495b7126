package api

import (
	"net/http"

	"gatekeeper/internal/models"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// routeConfig collects middleware from RouteOptions. Admission middleware
// always runs in the order rate limit, concurrency, audit.
type routeConfig struct {
	root        []mux.MiddlewareFunc
	rateLimit   mux.MiddlewareFunc
	concurrency mux.MiddlewareFunc
	audit       mux.MiddlewareFunc
}

// RouteOption configures optional route behavior.
type RouteOption func(*routeConfig)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(c *routeConfig) {
		c.root = append(c.root, otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" &&
					r.URL.Path != "/metrics" &&
					r.URL.Path != "/status"
			}),
		))
	}
}

// WithRateLimiter adds rate limiting middleware to the /api routes.
func WithRateLimiter(middleware func(http.Handler) http.Handler) RouteOption {
	return func(c *routeConfig) {
		c.rateLimit = middleware
	}
}

// WithConcurrencyLimiter adds concurrency limiting middleware to the /api
// routes. It runs after the rate limiter.
func WithConcurrencyLimiter(middleware func(http.Handler) http.Handler) RouteOption {
	return func(c *routeConfig) {
		c.concurrency = middleware
	}
}

// WithAudit records admitted /api requests. It runs inside the concurrency
// limiter.
func WithAudit(middleware func(http.Handler) http.Handler) RouteOption {
	return func(c *routeConfig) {
		c.audit = middleware
	}
}

// SetupRoutes configures the HTTP routes for the API
func SetupRoutes(handlers *Handlers, config *models.Config, opts ...RouteOption) *mux.Router {
	cfg := &routeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	router := mux.NewRouter()
	for _, mw := range cfg.root {
		router.Use(mw)
	}

	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	router.HandleFunc("/status", handlers.Status).Methods("GET")
	// The audit log names callers, so it is only served to the operator.
	if config.Server.AdminToken != "" {
		router.Handle("/status/requests",
			requireAdminToken(config.Server.AdminToken)(http.HandlerFunc(handlers.RecentRequests))).Methods("GET")
	}

	api := router.PathPrefix("/api").Subrouter()
	if cfg.rateLimit != nil && config.RateLimit.Enabled {
		api.Use(cfg.rateLimit)
	}
	if cfg.concurrency != nil && config.Concurrency.Enabled {
		api.Use(cfg.concurrency)
	}
	if cfg.audit != nil {
		api.Use(cfg.audit)
	}
	api.PathPrefix("").HandlerFunc(handlers.Forward)

	router.Use(loggingMiddleware)
	router.Use(recoveryMiddleware)

	router.NotFoundHandler = http.HandlerFunc(notFoundHandler)
	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowedHandler)

	return router
}
