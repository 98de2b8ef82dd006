package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/crm-ledger/audit-ledger/internal/audit"
	"github.com/crm-ledger/audit-ledger/internal/auth"
	"github.com/crm-ledger/audit-ledger/internal/config"
	"github.com/crm-ledger/audit-ledger/internal/db/repositories"
	"github.com/crm-ledger/audit-ledger/internal/jobs"
	"github.com/crm-ledger/audit-ledger/internal/middleware"
	"github.com/crm-ledger/audit-ledger/internal/safego"
	"github.com/crm-ledger/audit-ledger/internal/session"
	"github.com/crm-ledger/audit-ledger/internal/storage"

	// Import archive backends to register them
	_ "github.com/crm-ledger/audit-ledger/internal/storage/azure"
	_ "github.com/crm-ledger/audit-ledger/internal/storage/gcs"
	_ "github.com/crm-ledger/audit-ledger/internal/storage/local"
	_ "github.com/crm-ledger/audit-ledger/internal/storage/s3"
)

// Components are the long-lived services built from configuration. The
// caller (cmd/server) owns them and must call Shutdown once the HTTP server
// has drained.
type Components struct {
	DB       *sql.DB
	Archive  storage.Storage
	Redis    *redis.Client
	Shipper  *audit.MultiShipper
	Recorder *audit.Recorder
	Service  *audit.Service
	Sessions *session.Manager
	Registry *audit.Registry
	JWT      *auth.JWTManager
	Limiter  middleware.Limiter
	Sweeper  *jobs.SessionSweeper
}

// NewComponents wires the ledger, sessions and archive from cfg. Background
// jobs are not started; see StartJobs.
func NewComponents(ctx context.Context, cfg *config.Config, db *sql.DB) (comps *Components, err error) {
	comps = &Components{DB: db, Registry: audit.NewRegistry()}
	defer func() {
		if err != nil {
			comps.Shutdown(ctx)
			comps = nil
		}
	}()

	comps.Archive, err = storage.NewStorage(cfg)
	if err != nil {
		return comps, fmt.Errorf("failed to initialize archive backend: %w", err)
	}
	slog.Info("initialized archive backend", "backend", cfg.Audit.Archive.Backend)

	highSecurity, err := cfg.Audit.HighSecurityEntityTypes()
	if err != nil {
		return comps, err
	}
	if len(highSecurity) == 0 {
		highSecurity = audit.DefaultHighSecurityEntities()
	}

	comps.Shipper, err = audit.NewMultiShipper(cfg.Audit.Shippers, comps.Archive)
	if err != nil {
		return comps, err
	}

	opts := []audit.RecorderOption{audit.WithWriteTimeout(cfg.Audit.WriteTimeout)}
	if comps.Shipper.Len() > 0 {
		opts = append(opts, audit.WithShipper(comps.Shipper))
		slog.Info("audit shippers enabled", "count", comps.Shipper.Len())
	}

	ledgerRepo := repositories.NewLedgerRepository(db)
	comps.Recorder = audit.NewRecorder(ledgerRepo, audit.NewPolicy(highSecurity), opts...)

	var sessionOpts []session.Option
	rl := middleware.NewRateLimitConfig(&cfg.Security.RateLimiting)
	if cfg.Redis.Enabled {
		comps.Redis, err = session.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return comps, err
		}
		sessionOpts = append(sessionOpts, session.WithTouchGate(session.NewRedisGate(comps.Redis)))
		if cfg.Security.RateLimiting.Enabled {
			comps.Limiter = middleware.NewRedisRateLimiter(comps.Redis, rl)
		}
		slog.Info("redis enabled for session touch gating and rate limits", "addr", cfg.Redis.Addr)
	} else if cfg.Security.RateLimiting.Enabled {
		comps.Limiter = middleware.NewRateLimiter(rl)
	}

	sessionRepo := repositories.NewSessionRepository(sqlx.NewDb(db, "postgres"))
	comps.Sessions = session.NewManager(sessionRepo, comps.Recorder, &cfg.Sessions, sessionOpts...)
	comps.Service = audit.NewService(ledgerRepo, comps.Sessions, comps.Recorder, comps.Archive)

	comps.JWT, err = auth.NewJWTManager(cfg.Security.JWTSecret, cfg.Security.JWTIssuer)
	if err != nil {
		return comps, err
	}

	comps.Sweeper = jobs.NewSessionSweeper(comps.Sessions, &cfg.Sessions)
	return comps, nil
}

// StartJobs starts the idle session sweep.
func (c *Components) StartJobs() error {
	if err := c.Sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start session sweeper: %w", err)
	}
	slog.Info("session sweeper started")
	return nil
}

// RouterDeps returns the collaborators NewRouter mounts.
func (c *Components) RouterDeps() RouterDeps {
	deps := RouterDeps{
		DB:        c.DB,
		Validator: c.JWT,
		Service:   c.Service,
		Sessions:  c.Sessions,
		Changes:   c.Recorder,
		Registry:  c.Registry,
		Limiter:   c.Limiter,
		Archive:   c.Archive,
		Logins:    c.Sessions,
	}
	if c.Redis != nil {
		deps.Redis = c.Redis
	}
	return deps
}

// Shutdown stops background jobs, waits for detached ledger writes and
// closes shippers and Redis. Call it after the HTTP server has shut down so
// in-flight requests are drained first.
func (c *Components) Shutdown(ctx context.Context) {
	slog.Info("stopping background services")

	if c.Sweeper != nil {
		c.Sweeper.Stop(ctx)
	}
	if rl, ok := c.Limiter.(*middleware.RateLimiter); ok {
		rl.Stop()
	}
	if !safego.Wait(ctx) {
		slog.Warn("timed out waiting for detached ledger writes")
	}
	if c.Shipper != nil {
		if err := c.Shipper.Close(); err != nil {
			slog.Error("failed to close audit shippers", "error", err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			slog.Error("failed to close redis client", "error", err)
		}
	}

	slog.Info("all background services stopped")
}
