// Package api wires together all HTTP routes for the audit ledger service.
//
// Route grouping:
//   - Probes (/health, /ready, /version) are unauthenticated.
//   - Everything under /api/v1 requires a bearer token. The caller's session is
//     touched after each successful request so the idle sweep sees real activity.
//   - Company-wide audit views, stats and integrity checks are Administrator only.
//     Row-level rules (self access, company scoping, sensitivity filtering) live in
//     the audit service.
//   - Host CRM entity routes are mounted through RouterDeps.EntityRoutes behind
//     change capture, so every successful write lands in the ledger.
//   - Host login handlers are mounted through RouterDeps.AuthRoutes on
//     /api/v1/auth. That group is rate limited but not authenticated; handlers
//     record LOGIN and FAILED_LOGIN through the LoginRecorder they receive.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/crm-ledger/audit-ledger/internal/api/ledger"
	"github.com/crm-ledger/audit-ledger/internal/audit"
	"github.com/crm-ledger/audit-ledger/internal/auth"
	"github.com/crm-ledger/audit-ledger/internal/config"
	"github.com/crm-ledger/audit-ledger/internal/db/models"
	"github.com/crm-ledger/audit-ledger/internal/middleware"
	"github.com/crm-ledger/audit-ledger/internal/session"
	"github.com/crm-ledger/audit-ledger/internal/storage"
)

// Version is reported by /version. It is overridden at build time through -ldflags.
var Version = "0.1.0"

// AuditService is the read side the HTTP layer needs; *audit.Service satisfies it.
type AuditService interface {
	ledger.AuditReader
	ledger.SessionReader
}

// LoginRecorder opens sessions and records rejected logins; *session.Manager satisfies it.
type LoginRecorder interface {
	Create(ctx context.Context, ns session.NewSession) (*models.Session, error)
	LogFailedLogin(ctx context.Context, f session.FailedLogin)
}

var _ LoginRecorder = (*session.Manager)(nil)

// RouterDeps are the collaborators NewRouter mounts. Archive, Redis, Limiter,
// Registry, Logins, EntityRoutes and AuthRoutes are optional.
type RouterDeps struct {
	DB        *sql.DB
	Validator auth.TokenValidator
	Service   AuditService
	Sessions  middleware.SessionToucher
	Changes   middleware.ChangeWriter
	Registry  *audit.Registry
	Limiter   middleware.Limiter
	Archive   storage.Storage
	Redis     redis.Cmdable
	Logins    LoginRecorder

	// EntityRoutes registers host CRM entity handlers. The group it receives is
	// authenticated and wrapped in change capture.
	EntityRoutes func(*gin.RouterGroup)
	// AuthRoutes registers host login handlers. It is mounted only when Logins is set.
	AuthRoutes func(*gin.RouterGroup, LoginRecorder)
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps RouterDeps) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps.DB, deps.Archive, deps.Redis))
	router.GET("/version", versionHandler())

	registry := deps.Registry
	if registry == nil {
		registry = audit.NewRegistry()
	}

	sessions := middleware.SessionSource{
		CookieName: cfg.Sessions.CookieName,
		HeaderName: cfg.Sessions.HeaderName,
	}

	if deps.AuthRoutes != nil && deps.Logins != nil {
		authGroup := router.Group("/api/v1/auth")
		if deps.Limiter != nil {
			authGroup.Use(middleware.RateLimitMiddleware(deps.Limiter))
		}
		deps.AuthRoutes(authGroup, deps.Logins)
	}

	apiV1 := router.Group("/api/v1")
	if deps.Limiter != nil {
		apiV1.Use(middleware.RateLimitMiddleware(deps.Limiter))
	}
	apiV1.Use(middleware.AuthMiddleware(deps.Validator, sessions))
	if deps.Sessions != nil {
		apiV1.Use(middleware.SessionActivity(deps.Sessions))
	}

	auditHandlers := ledger.NewAuditHandlers(deps.Service)
	sessionHandlers := ledger.NewSessionHandlers(deps.Service, cfg.Sessions.CookieName)

	auditGroup := apiV1.Group("/audit")
	{
		auditGroup.GET("/entities/:type/:id", auditHandlers.GetEntityHistory)
		auditGroup.GET("/users/:id/activity", auditHandlers.GetUserActivity)

		// Company-wide views are Administrator only
		auditGroup.GET("/company", middleware.RequireAdmin(), auditHandlers.GetCompanyAuditTrail)
		auditGroup.GET("/stats", middleware.RequireAdmin(), auditHandlers.GetAuditStats)
		auditGroup.GET("/records/:id/verify", middleware.RequireAdmin(), auditHandlers.VerifyRecord)
		auditGroup.GET("/integrity", middleware.RequireAdmin(), auditHandlers.VerifyCompanyIntegrity)
		auditGroup.POST("/export", middleware.RequireAdmin(), auditHandlers.ExportCompanyAuditTrail)
	}

	sessionsGroup := apiV1.Group("/sessions")
	{
		sessionsGroup.GET("/users/:id", sessionHandlers.GetUserSessionHistory)
		sessionsGroup.GET("/users/:id/active", sessionHandlers.ListActiveSessions)
		sessionsGroup.POST("/logout", sessionHandlers.Logout)
		sessionsGroup.DELETE("/:id", sessionHandlers.TerminateSession)
	}

	if deps.EntityRoutes != nil && deps.Changes != nil {
		capture := middleware.ChangeCapture(deps.Changes, registry, middleware.NewChangeCaptureConfig(&cfg.Audit))
		deps.EntityRoutes(apiV1.Group("", capture))
	}

	return router
}

// @Summary      Health check
// @Description  Returns the health status of the service, including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks the database, the archive store and Redis when configured.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "ready: false, checks, error"
// @Router       /ready [get]
// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), it also probes the archive store and
// Redis so a readiness gate fails when exports or shared limits would error.
func readinessHandler(db *sql.DB, archive storage.Storage, rdb redis.Cmdable) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		checks := gin.H{}

		notReady := func(name, msg string) {
			checks[name] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  msg,
			})
		}

		if err := db.PingContext(ctx); err != nil {
			notReady("database", "database not ready")
			return
		}
		checks["database"] = "healthy"

		if archive != nil {
			// Probe with a known-absent path; Exists exercises credentials and
			// connectivity without creating state.
			if _, err := archive.Exists(ctx, ".readiness-probe"); err != nil {
				notReady("archive", "archive store not ready")
				return
			}
			checks["archive"] = "healthy"
		}

		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				notReady("redis", "redis not ready")
				return
			}
			checks["redis"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Description  Returns the service version and API version.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured logging
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logRequest(c.Request.Context(), c, time.Since(start), path, query)
	}
}

// logRequest emits one slog record per request. The output format follows the
// global handler configured by telemetry.SetupLogger.
func logRequest(ctx context.Context, c *gin.Context, latency time.Duration, path, query string) {
	requestID, _ := c.Get(middleware.RequestIDKey)

	level := slog.LevelInfo
	if c.Writer.Status() >= http.StatusInternalServerError {
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("query", query),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", fmt.Sprintf("%v", requestID)),
		slog.String("user_agent", c.Request.UserAgent()),
	}
	if p, ok := middleware.GetPrincipal(c); ok {
		attrs = append(attrs, slog.Int64("user_id", p.UserID), slog.Int64("company_id", p.CompanyID))
	}

	slog.LogAttrs(ctx, level, "http request", attrs...)
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	if len(cfg.Security.CORS.AllowedMethods) > 0 {
		methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	}
	headers := "Origin, Content-Type, Accept, Authorization, X-Requested-With, " + middleware.RequestIDHeader
	if h := cfg.Sessions.HeaderName; h != "" {
		headers += ", " + h
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Credentials", "true")
			}
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", headers)
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
