package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gatekeeper/internal/api"
	"gatekeeper/internal/audit"
	"gatekeeper/internal/concurrency"
	"gatekeeper/internal/config"
	"gatekeeper/internal/logger"
	"gatekeeper/internal/models"
	"gatekeeper/internal/observability"
	"gatekeeper/internal/pool"
	"gatekeeper/internal/ratelimit"
	"gatekeeper/internal/version"
)

var (
	configFile    = flag.String("config", "", "Path to configuration file")
	exampleConfig = flag.String("write-example-config", "", "Write an example configuration to this path and exit")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	ver := version.GetInfo()
	if *showVersion {
		fmt.Println(ver.String())
		return
	}
	if *exampleConfig != "" {
		if err := config.SaveExample(*exampleConfig); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			os.Exit(1)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, ver)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, ver)
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	// Background work (reaper, idle eviction) stops when ctx is cancelled.
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	deps := api.Dependencies{Version: ver}

	// Initialize database pool
	if cfg.Database.DSN != "" {
		dbPool, querier, err := initializeDatabase(ctx, cfg, log)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()
		deps.DB = querier

		if cfg.Database.AuditEnabled {
			if err := migrateAudit(ctx, dbPool, log); err != nil {
				slog.Error("Failed to migrate audit schema", "error", err)
				os.Exit(1)
			}
			deps.Audit = audit.NewRecorder(querier, cfg.Database.MaxRetries, log)
			if cfg.Server.AdminToken == "" {
				slog.Warn("No admin token configured, GET /status/requests is disabled")
			}
		}
	} else {
		slog.Warn("No database DSN configured, running without a connection pool")
	}

	sources := observability.AdmissionSources{}

	// Rate limiter
	var rateLimiter *ratelimit.MemoryLimiter
	var resolver *ratelimit.Resolver
	if cfg.RateLimit.Enabled {
		table, err := ratelimit.NewTable(rateTable(cfg.RateLimit))
		if err != nil {
			slog.Error("Failed to build rate limit table", "error", err)
			os.Exit(1)
		}
		resolver, err = ratelimit.NewResolver(cfg.RateLimit.APIKeys, cfg.RateLimit.TrustedProxies)
		if err != nil {
			slog.Error("Failed to build caller identity resolver", "error", err)
			os.Exit(1)
		}
		rlOpts := []ratelimit.Option{}
		if cfg.RateLimit.IdleEviction > 0 {
			rlOpts = append(rlOpts, ratelimit.WithIdleEviction(cfg.RateLimit.IdleEviction))
		}
		rateLimiter = ratelimit.NewMemoryLimiter(table, rlOpts...)
		defer rateLimiter.Close()
		deps.RateTable = table
		deps.RateLimiter = rateLimiter
		sources.RateIdentifiers = rateLimiter.Identifiers
	}

	// Concurrency limiter
	var concurrencyLimiter *concurrency.Limiter
	if cfg.Concurrency.Enabled {
		concurrencyLimiter, err = concurrency.NewLimiter(
			cfg.Concurrency.GlobalLimit,
			cfg.Concurrency.DefaultLimit,
			concurrency.WithEndpointLimits(cfg.Concurrency.Endpoints),
			concurrency.WithLogger(log),
		)
		if err != nil {
			slog.Error("Failed to create concurrency limiter", "error", err)
			os.Exit(1)
		}
		deps.Concurrency = concurrencyLimiter
		sources.Concurrency = concurrencyLimiter.Stats
	}

	admission, err := observability.NewAdmissionMetrics(otelProvider.MeterProvider(), sources)
	if err != nil {
		slog.Error("Failed to create admission metrics", "error", err)
		os.Exit(1)
	}
	defer admission.Unregister()

	if concurrencyLimiter != nil {
		reaper := concurrency.NewReaper(concurrencyLimiter,
			cfg.Concurrency.ReapInterval,
			cfg.Concurrency.RequestTimeout,
			concurrency.WithReaperLogger(log),
			concurrency.OnReap(admission.Reaped),
		)
		go reaper.Run(ctx)
	}

	// Upstream
	upstream, err := api.NewUpstreamProxy(cfg.Upstream)
	if err != nil {
		slog.Error("Failed to configure upstream", "error", err)
		os.Exit(1)
	}
	if upstream != nil {
		deps.Upstream = upstream
		slog.Info("Forwarding admitted requests", "upstream", cfg.Upstream.URL)
	}

	handlers := api.NewHandlers(deps)

	// Setup routes with middleware
	routeOpts := []api.RouteOption{}
	if rateLimiter != nil {
		routeOpts = append(routeOpts, api.WithRateLimiter(
			ratelimit.Middleware(rateLimiter,
				ratelimit.WithResolver(resolver),
				ratelimit.OnLimited(admission.RateLimited))))
	}
	if concurrencyLimiter != nil {
		routeOpts = append(routeOpts, api.WithConcurrencyLimiter(
			concurrency.Middleware(concurrencyLimiter, concurrency.OnReject(admission.ConcurrencyRejected))))
	}
	if otelProvider.TracingEnabled() {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}
	if deps.Audit != nil {
		routeOpts = append(routeOpts, api.WithAudit(deps.Audit.Middleware))
	}

	router := api.SetupRoutes(handlers, cfg, routeOpts...)

	// Start metrics server if enabled
	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		go func() {
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		slog.Info("Starting server", "addr", server.Addr, "tls", cfg.Server.TLSEnabled)

		var err error
		if cfg.Server.TLSEnabled {
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")

	// Create a deadline to wait for shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown metrics server
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}

	// Attempt graceful shutdown; in-flight requests release their slots here.
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	stop()

	slog.Info("Server shutdown complete")
}

// initializeDatabase opens the pool and wraps it with instrumentation when
// metrics or tracing are enabled.
func initializeDatabase(ctx context.Context, cfg *models.Config, log *slog.Logger) (*pool.Pool, pool.Querier, error) {
	dbPool := pool.New(log)

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := dbPool.Initialize(initCtx, pool.OptionsFromConfig(cfg.Database)); err != nil {
		return nil, nil, err
	}

	var querier pool.Querier = dbPool
	if cfg.Metrics.Enabled || cfg.Observability.Tracing.Enabled {
		instrumented, err := observability.NewInstrumentedPool(dbPool)
		if err != nil {
			dbPool.Close()
			return nil, nil, fmt.Errorf("failed to instrument pool: %w", err)
		}
		querier = instrumented
	}
	return dbPool, querier, nil
}

func migrateAudit(ctx context.Context, dbPool *pool.Pool, log *slog.Logger) error {
	db, err := dbPool.StdDB()
	if err != nil {
		return err
	}
	defer db.Close()
	return audit.Migrate(ctx, db, log)
}

// rateTable converts the configured endpoint limits into limiter entries.
func rateTable(cfg models.RateLimitConfig) map[string]ratelimit.EndpointLimit {
	entries := make(map[string]ratelimit.EndpointLimit, len(cfg.Endpoints))
	for endpoint, limit := range cfg.Endpoints {
		entries[endpoint] = ratelimit.EndpointLimit{
			MaxRequests: limit.MaxRequests,
			Window:      limit.Window,
		}
	}
	return entries
}
