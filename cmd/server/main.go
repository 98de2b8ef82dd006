// @title           Audit Ledger API
// @version         1.0.0
// @description     Tamper-evident audit ledger and session history for the CRM.
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "JWT access token: 'Bearer {token}'"
//
// @tag.name         System
// @tag.description  Health, readiness and version endpoints.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics are served on a dedicated side-channel port (default: 9090), separate from the main API server. Configure the port with AUDITLEDGER_TELEMETRY_METRICS_PROMETHEUS_PORT. The endpoint path is always GET /metrics.

// Package main is the entry point for the audit ledger server binary.
// It dispatches its subcommands (serve, migrate, sweep, verify, verify-export
// and version) via a simple switch on os.Args so the binary's full CLI surface is readable in
// one place. The serve command runs auto-migration on startup so freshly
// deployed containers never need a separate migration step.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crm-ledger/audit-ledger/internal/api"
	"github.com/crm-ledger/audit-ledger/internal/audit"
	"github.com/crm-ledger/audit-ledger/internal/config"
	"github.com/crm-ledger/audit-ledger/internal/db"
	"github.com/crm-ledger/audit-ledger/internal/db/repositories"
	"github.com/crm-ledger/audit-ledger/internal/jobs"
	"github.com/crm-ledger/audit-ledger/internal/session"
	"github.com/crm-ledger/audit-ledger/internal/storage"
	"github.com/crm-ledger/audit-ledger/internal/telemetry"
)

// errIntegrity makes the verify commands exit non-zero without a usage error.
var errIntegrity = errors.New("integrity check failed")

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	if command == "version" {
		fmt.Printf("Audit Ledger v%s\n", api.Version)
		return nil
	}

	configPath := os.Getenv("CONFIG_PATH")
	if command == "serve" {
		return serve(configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	switch command {
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "sweep":
		return runSweep(cfg)
	case "verify":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s verify <record-id>", os.Args[0])
		}
		id, err := strconv.ParseInt(os.Args[2], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid record id: %q", os.Args[2])
		}
		return runVerify(cfg, id)
	case "verify-export":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: %s verify-export <object-path> <sha256>", os.Args[0])
		}
		return runVerifyExport(cfg, os.Args[2], os.Args[3])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, sweep, verify, verify-export, version", command)
	}
}

func serve(configPath string) error {
	// Later edits to the config file only adjust the log level; everything
	// else requires a restart.
	cfg, err := config.LoadAndWatch(configPath, func(next *config.Config) {
		telemetry.SetLogLevel(next.Logging.Level)
	})
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialise structured logger as early as possible so all subsequent log output
	// uses the configured format (json / text) and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		Enabled:        cfg.Telemetry.Tracing.Enabled,
		Endpoint:       cfg.Telemetry.Tracing.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: api.Version,
		Environment:    cfg.Telemetry.Environment,
		SampleRate:     cfg.Telemetry.Tracing.SampleRate,
		Insecure:       cfg.Telemetry.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	slog.Info("connecting to database",
		"host", cfg.Database.Host, "port", cfg.Database.Port,
		"name", cfg.Database.Name, "user", cfg.Database.User, "ssl_mode", cfg.Database.SSLMode)

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	// Begin exporting DB pool statistics to Prometheus.
	telemetry.StartDBStatsCollector(ctx, database)

	slog.Info("running database migrations")
	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if version, dirty, err := db.GetMigrationVersion(database); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema version", "version", version, "dirty", dirty)
	}

	comps, err := api.NewComponents(ctx, cfg, database)
	if err != nil {
		return err
	}
	if err := comps.StartJobs(); err != nil {
		comps.Shutdown(context.Background())
		return err
	}

	// Start Prometheus metrics endpoint on a dedicated port so it is not reachable
	// through the public API ingress path.
	var metricsServer *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("starting Prometheus metrics server", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      api.NewRouter(cfg, comps.RouterDeps()),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", server.Addr,
			"archive_backend", cfg.Audit.Archive.Backend,
			"redis", cfg.Redis.Enabled)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down server")
	case err := <-serveErr:
		if err != nil {
			comps.Shutdown(context.Background())
			return fmt.Errorf("failed to start server: %w", err)
		}
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	// Stop the sweeper and flush detached ledger writes
	comps.Shutdown(shutdownCtx)

	if err := tracer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)
	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "version", version, "dirty", dirty)
	return nil
}

// newRecorder builds the ledger write path used by the one-shot commands.
// Shippers are not attached; records reach them only from a serving process.
func newRecorder(cfg *config.Config, ledgerRepo *repositories.LedgerRepository) (*audit.Recorder, error) {
	highSecurity, err := cfg.Audit.HighSecurityEntityTypes()
	if err != nil {
		return nil, err
	}
	if len(highSecurity) == 0 {
		highSecurity = audit.DefaultHighSecurityEntities()
	}
	return audit.NewRecorder(ledgerRepo, audit.NewPolicy(highSecurity), audit.WithWriteTimeout(cfg.Audit.WriteTimeout)), nil
}

// runSweep performs one idle session sweep, for use from an external scheduler.
func runSweep(cfg *config.Config) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	recorder, err := newRecorder(cfg, repositories.NewLedgerRepository(database))
	if err != nil {
		return err
	}
	manager := session.NewManager(repositories.NewSessionRepository(sqlx.NewDb(database, "postgres")), recorder, &cfg.Sessions)

	n, err := jobs.NewSessionSweeper(manager, &cfg.Sessions).RunOnce(context.Background())
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	slog.Info("session sweep completed", "terminated", n, "idle_timeout", cfg.Sessions.IdleTimeout)
	return nil
}

// runVerify recomputes the hash of one ledger record.
func runVerify(cfg *config.Config, id int64) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	ledgerRepo := repositories.NewLedgerRepository(database)
	recorder, err := newRecorder(cfg, ledgerRepo)
	if err != nil {
		return err
	}
	service := audit.NewService(ledgerRepo, nil, recorder, nil)

	if !service.VerifyRecordIntegrity(context.Background(), id) {
		fmt.Printf("record %d: INVALID or missing\n", id)
		return errIntegrity
	}
	fmt.Printf("record %d: valid\n", id)
	return nil
}

// runVerifyExport checks an archived export against the checksum reported
// when it was written. It needs no database.
func runVerifyExport(cfg *config.Config, objectPath, expected string) error {
	archive, err := storage.NewStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize archive backend: %w", err)
	}
	service := audit.NewService(nil, nil, audit.NewRecorder(nil, nil), archive)

	ok, err := service.VerifyExport(context.Background(), objectPath, expected)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("export %s: checksum MISMATCH\n", objectPath)
		return errIntegrity
	}
	fmt.Printf("export %s: checksum ok\n", objectPath)
	return nil
}
