/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the gift certificate ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, ledger.yaml, GCL_* environment)
  2. Apply command-line flag overrides
  3. Open the configured store
  4. Create API handler, metrics and audit scheduler
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides GCL_SERVER_PORT)
  -driver  Store driver: sqlite, bolt, memory (overrides GCL_STORE_DRIVER)
  -db      Database path for the sqlite or bolt driver
           Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the audit scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/giftcert.db"

  # Run with Bolt
  ./server -driver=bolt -db="./data/giftcert.bolt"

  # Run fully in memory
  ./server -driver=memory

SEE ALSO:
  - internal/platform/config: configuration keys
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
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

	"github.com/warp/giftcert-ledger/api"
	"github.com/warp/giftcert-ledger/internal/platform/config"
	"github.com/warp/giftcert-ledger/internal/platform/logger"
	"github.com/warp/giftcert-ledger/internal/platform/metrics"
	"github.com/warp/giftcert-ledger/ledger"
	"github.com/warp/giftcert-ledger/ledger/store"
	"github.com/warp/giftcert-ledger/store/boltdb"
	"github.com/warp/giftcert-ledger/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "giftcert-ledger: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Flags
	port := flag.Int("port", cfg.ServerPort, "HTTP server port")
	driver := flag.String("driver", cfg.StoreDriver, "Store driver: sqlite, bolt or memory")
	dbPath := flag.String("db", "", "Database path for the sqlite or bolt driver")
	flag.Parse()

	cfg.ServerPort = *port
	cfg.StoreDriver = *driver
	if *dbPath != "" {
		cfg.SQLitePath = *dbPath
		cfg.BoltPath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.New(cfg.LogLevel)

	backend, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer backend.Close()

	handler := api.NewHandler(backend, metrics.NewRecorder(), log)
	audit := api.NewAuditScheduler(handler, cfg.AuditInterval)
	handler.Audit = audit
	audit.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.ServerPort, "driver", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		audit.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("shutting down server")
	audit.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func openStore(cfg *config.Config) (ledger.Backend, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		return sqlite.New(cfg.SQLitePath)
	case config.DriverBolt:
		return boltdb.New(cfg.BoltPath)
	case config.DriverMemory:
		return store.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
