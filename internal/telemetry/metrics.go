// Package telemetry provides application-level observability for the audit ledger.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<AUDITLEDGER_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is NOT served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Ledger write, failure and integrity check counters
//   - Shipper delivery errors
//   - Session lifecycle counters
//   - Database connection pool gauges (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/audit/entities/:type/:id)
// rather than the raw request URL. Ledger metrics are labelled by the closed
// entity type and operation enumerations only; never by entity or user id.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics: labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Ledger metrics.
//
// AuditRecordsWrittenTotal counts committed ledger rows. AuditWriteFailuresTotal
// counts writes that were dropped; reason is one of "invalid", "hash", "store",
// "panic". A non-zero failure rate means activity is going unrecorded:
//
//	increase(audit_write_failures_total[5m]) > 0
//
// AuditIntegrityChecksTotal has label result ∈ {"valid", "mismatch", "missing", "error"}.
// Any "mismatch" is a tamper signal and should page.
var (
	AuditRecordsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_records_written_total",
			Help: "Total number of audit records committed to the ledger, by entity type and operation.",
		},
		[]string{"entity_type", "operation"},
	)

	AuditWriteFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Total number of audit records that could not be written, by failure reason.",
		},
		[]string{"reason"},
	)

	AuditWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_write_duration_seconds",
			Help:    "Duration of a single ledger insert including hashing.",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		},
	)

	AuditIntegrityChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_integrity_checks_total",
			Help: "Total number of record integrity verifications, by result.",
		},
		[]string{"result"},
	)

	AuditShipperErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_shipper_errors_total",
			Help: "Total number of failed deliveries to external audit sinks, by shipper.",
		},
		[]string{"shipper"},
	)
)

// Session metrics.
//
// SessionsTerminatedTotal has label method ∈ {"user", "forced", "idle_timeout"}.
// SessionsTouchSkippedTotal counts activity touches absorbed by the throttle.
var (
	SessionsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_created_total",
			Help: "Total number of sessions opened.",
		},
	)

	SessionsTerminatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_terminated_total",
			Help: "Total number of sessions terminated, by logout method.",
		},
		[]string{"method"},
	)

	SessionsTouchSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_touch_skipped_total",
			Help: "Total number of session activity updates skipped by the touch throttle.",
		},
	)
)

// RateLimitRejectionsTotal counts requests rejected with 429, by limiter backend.
var RateLimitRejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rate_limit_rejections_total",
		Help: "Total number of requests rejected by the rate limiter, by backend.",
	},
	[]string{"backend"},
)

// Database connection pool gauges, sampled every 30 seconds by
// StartDBStatsCollector rather than per-request.
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <AUDITLEDGER_DATABASE_MAX_CONNECTIONS> * 100
var (
	DBOpenConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_open_connections",
			Help: "Current number of open database connections in the pool.",
		},
	)

	DBInUseConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_in_use_connections",
			Help: "Current number of database connections in use.",
		},
	)
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds. The goroutine exits when ctx is cancelled or the
// database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				recordDBStats(db.Stats())
			}
		}
	}()
}

func recordDBStats(s sql.DBStats) {
	DBOpenConnections.Set(float64(s.OpenConnections))
	DBInUseConnections.Set(float64(s.InUse))
}
