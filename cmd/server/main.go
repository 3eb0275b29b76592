/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the flight booking HTTP server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, config.yaml, environment, flags)
  2. Initialize logger and metrics
  3. Open the store (SQLite or Postgres)
  4. Optionally wrap the catalog with the Redis cache
  5. Build ledger, session registry and API handler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a config file (default: ./config.yaml if present)
  -port    HTTP server port, overrides HTTP_PORT
  -db      SQLite database path, overrides DB_PATH
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the session sweeper
  4. Close database and Redis connections
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/flights.db"

  # Run against Postgres with a Redis catalog cache
  DB_DRIVER=postgres DATABASE_URL=postgres://... REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Backends
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/warp/flight-engine/api"
	"github.com/warp/flight-engine/auth"
	"github.com/warp/flight-engine/booking"
	"github.com/warp/flight-engine/config"
	"github.com/warp/flight-engine/logging"
	"github.com/warp/flight-engine/metrics"
	"github.com/warp/flight-engine/store/postgres"
	"github.com/warp/flight-engine/store/rediscache"
	"github.com/warp/flight-engine/store/sqlite"
	"github.com/warp/flight-engine/store/sqlstore"
)

func main() {
	// Flags
	configFile := flag.String("config", "", "Config file path")
	port := flag.Int("port", 0, "HTTP server port (overrides HTTP_PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.HTTPPort = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	logger := logging.New(cfg.Env, cfg.LogLevel)
	logging.Set(logger)
	defer logging.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// Initialize store
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()
	logger.Info("Store ready", zap.String("driver", store.Dialect().Name()))

	// Catalog, optionally behind Redis
	var catalog booking.Catalog = store
	if cfg.RedisAddr != "" {
		rc := rediscache.DefaultConfig()
		rc.Addr, rc.Password, rc.DB = cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB
		if cfg.CatalogCacheTTL > 0 {
			rc.TTL = cfg.CatalogCacheTTL
		}
		client, err := rediscache.NewClient(ctx, rc)
		if err != nil {
			return err
		}
		defer client.Close()
		catalog = rediscache.NewCatalog(store, client, rc.TTL, logger)
		logger.Info("Catalog cache enabled", zap.String("addr", cfg.RedisAddr))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewWithRegistry(registry)

	ledger := booking.NewLedger(store,
		booking.WithRetryPolicy(cfg.RetryPolicy()),
		booking.WithRefundPolicy(cfg.Refund()),
		booking.WithLogger(logger),
		booking.WithMetrics(m),
	)

	sessions := api.NewSessionRegistry(cfg.SessionIdleTimeout, cfg.SessionSweepInterval, m, logger)
	sessions.Start()
	defer sessions.Stop()

	handler := api.NewHandler(api.Deps{
		Catalog:  catalog,
		Accounts: store,
		Hasher:   auth.NewHasher(cfg.BcryptCost),
		Ledger:   ledger,
		Sessions: sessions,
		Limiter:  api.NewLoginLimiter(cfg.LoginRatePerMinute, cfg.LoginBurst),
		Metrics:  m,
		Gatherer: registry,
		Logger:   logger,
		Ping:     store.Ping,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", zap.Int("port", cfg.HTTPPort), zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-quit:
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (*sqlstore.Store, error) {
	switch cfg.DBDriver {
	case "postgres":
		return postgres.New(ctx, cfg.DatabaseURL, postgres.DefaultOptions())
	default:
		return sqlite.New(cfg.DBPath)
	}
}
