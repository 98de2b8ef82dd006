// Package config loads and validates the audit ledger configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the AUDITLEDGER_ prefix (e.g.,
// AUDITLEDGER_DATABASE_HOST overrides database.host in the YAML). The same
// binary runs with a config.yaml in local development and with pure environment
// variables in containerized deployments.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/crm-ledger/audit-ledger/internal/db/models"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "AUDITLEDGER"

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the optional Redis connection used for session touch
// throttling and distributed rate limiting.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	JWTSecret    string             `mapstructure:"jwt_secret"`
	JWTIssuer    string             `mapstructure:"jwt_issuer"`
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Environment string        `mapstructure:"environment"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	Insecure   bool    `mapstructure:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// AuditConfig holds ledger write and change capture configuration
type AuditConfig struct {
	// HighSecurityEntities are the entity types whose history is admin-only.
	HighSecurityEntities []string `mapstructure:"high_security_entities"`
	// WriteTimeout bounds a detached ledger write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// APIPrefix is stripped from request paths before entity type inference.
	APIPrefix string `mapstructure:"api_prefix"`
	// SkipEndpoints are path prefixes change capture never records.
	SkipEndpoints []string `mapstructure:"skip_endpoints"`
	// MaxCaptureBytes caps how much of a request or response body is buffered for diffing.
	MaxCaptureBytes int `mapstructure:"max_capture_bytes"`
	// Shippers forward committed records to external sinks
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
	// Archive is the object store used by the archive shipper and exports.
	Archive ArchiveConfig `mapstructure:"archive"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Type is the shipper type (webhook, file, kafka, archive)
	Type    string                     `mapstructure:"type"`
	Webhook *AuditWebhookConfig        `mapstructure:"webhook"`
	File    *AuditFileConfig           `mapstructure:"file"`
	Kafka   *AuditKafkaConfig          `mapstructure:"kafka"`
	Archive *AuditArchiveShipperConfig `mapstructure:"archive"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval time.Duration     `mapstructure:"flush_interval"`
	// FailureThreshold is the number of consecutive failures that opens the circuit breaker.
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// AuditKafkaConfig holds Kafka shipper configuration
type AuditKafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	Topic       string   `mapstructure:"topic"`
	Acks        string   `mapstructure:"acks"`
	Compression string   `mapstructure:"compression"`
}

// AuditArchiveShipperConfig holds archive shipper configuration
type AuditArchiveShipperConfig struct {
	Prefix        string        `mapstructure:"prefix"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// ArchiveConfig selects and configures the archive object store
type ArchiveConfig struct {
	Backend string             `mapstructure:"backend"`
	Azure   AzureArchiveConfig `mapstructure:"azure"`
	S3      S3ArchiveConfig    `mapstructure:"s3"`
	GCS     GCSArchiveConfig   `mapstructure:"gcs"`
	Local   LocalArchiveConfig `mapstructure:"local"`
}

// AzureArchiveConfig holds Azure Blob Storage configuration
type AzureArchiveConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
}

// S3ArchiveConfig holds S3-compatible storage configuration
type S3ArchiveConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO and similar)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`
	// AuthMethod is "default" (AWS credential chain) or "static"
	AuthMethod      string `mapstructure:"auth_method"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// GCSArchiveConfig holds Google Cloud Storage configuration
type GCSArchiveConfig struct {
	Bucket          string `mapstructure:"bucket"`
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Endpoint        string `mapstructure:"endpoint"`
}

// LocalArchiveConfig holds local filesystem archive configuration
type LocalArchiveConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// SessionsConfig holds session lifecycle configuration
type SessionsConfig struct {
	// IdleTimeout is how long a session may go without activity before the sweep terminates it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// TouchInterval is the minimum spacing between persisted last_activity updates.
	TouchInterval time.Duration `mapstructure:"touch_interval"`
	// SweepSchedule is a cron spec (seconds field included) for the idle sweep job.
	SweepSchedule string `mapstructure:"sweep_schedule"`
	CookieName    string `mapstructure:"cookie_name"`
	HeaderName    string `mapstructure:"header_name"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.shutdown_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.enabled",
		"redis.addr",
		"redis.password",
		"redis.db",

		// Security
		"security.jwt_secret",
		"security.jwt_issuer",
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.environment",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
		"telemetry.tracing.enabled",
		"telemetry.tracing.endpoint",
		"telemetry.tracing.insecure",
		"telemetry.tracing.sample_rate",

		// Audit
		"audit.high_security_entities",
		"audit.write_timeout",
		"audit.api_prefix",
		"audit.skip_endpoints",
		"audit.max_capture_bytes",
		"audit.archive.backend",
		"audit.archive.azure.account_name",
		"audit.archive.azure.account_key",
		"audit.archive.azure.container_name",
		"audit.archive.s3.endpoint",
		"audit.archive.s3.region",
		"audit.archive.s3.bucket",
		"audit.archive.s3.auth_method",
		"audit.archive.s3.access_key_id",
		"audit.archive.s3.secret_access_key",
		"audit.archive.gcs.bucket",
		"audit.archive.gcs.project_id",
		"audit.archive.gcs.credentials_file",
		"audit.archive.gcs.endpoint",
		"audit.archive.local.base_path",

		// Sessions
		"sessions.idle_timeout",
		"sessions.touch_interval",
		"sessions.sweep_schedule",
		"sessions.cookie_name",
		"sessions.header_name",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// LoadAndWatch loads configuration like Load and then watches the config file.
// onChange receives every subsequent configuration that decodes and validates;
// invalid edits are logged and ignored.
func LoadAndWatch(configPath string, onChange func(*Config)) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			next, err := decode(v)
			if err != nil {
				slog.Warn("ignoring invalid configuration change", "file", e.Name, "error", err)
				return
			}
			slog.Info("configuration reloaded", "file", e.Name, "op", e.Op.String())
			onChange(next)
		})
		v.WatchConfig()
	}
	return cfg, nil
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/auditledger")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Security.JWTSecret = expandEnv(cfg.Security.JWTSecret)
	cfg.Audit.Archive.Azure.AccountKey = expandEnv(cfg.Audit.Archive.Azure.AccountKey)
	cfg.Audit.Archive.S3.AccessKeyID = expandEnv(cfg.Audit.Archive.S3.AccessKeyID)
	cfg.Audit.Archive.S3.SecretAccessKey = expandEnv(cfg.Audit.Archive.S3.SecretAccessKey)
	for i := range cfg.Audit.Shippers {
		if wh := cfg.Audit.Shippers[i].Webhook; wh != nil {
			for k, val := range wh.Headers {
				wh.Headers[k] = expandEnv(val)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DefaultSkipEndpoints are the path prefixes change capture ignores unless
// audit.skip_endpoints overrides them: auth checks, logout, search and the
// ledger's own routes.
var DefaultSkipEndpoints = []string{
	"/api/v1/auth",
	"/api/v1/search",
	"/api/v1/audit",
	"/api/v1/sessions",
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "audit_ledger")
	v.SetDefault("database.user", "auditledger")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Security defaults
	v.SetDefault("security.jwt_issuer", "auditledger")
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "auditledger")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.tracing.enabled", false)
	v.SetDefault("telemetry.tracing.endpoint", "localhost:4317")
	v.SetDefault("telemetry.tracing.insecure", true)
	v.SetDefault("telemetry.tracing.sample_rate", 1.0)

	// Audit defaults
	v.SetDefault("audit.high_security_entities", []string{"user", "company", "system", "security"})
	v.SetDefault("audit.write_timeout", "5s")
	v.SetDefault("audit.api_prefix", "/api")
	v.SetDefault("audit.skip_endpoints", DefaultSkipEndpoints)
	v.SetDefault("audit.max_capture_bytes", 1<<20)
	v.SetDefault("audit.archive.backend", "local")
	v.SetDefault("audit.archive.local.base_path", "./archive")
	v.SetDefault("audit.archive.s3.auth_method", "default")

	// Session defaults
	v.SetDefault("sessions.idle_timeout", "30m")
	v.SetDefault("sessions.touch_interval", "5m")
	v.SetDefault("sessions.sweep_schedule", "0 */5 * * * *")
	v.SetDefault("sessions.cookie_name", "session_token")
	v.SetDefault("sessions.header_name", "X-Session-Token")
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 characters")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if c.Security.RateLimiting.Enabled && c.Security.RateLimiting.RequestsPerMinute <= 0 {
		return fmt.Errorf("security.rate_limiting.requests_per_minute must be positive")
	}

	if _, err := c.Audit.HighSecurityEntityTypes(); err != nil {
		return err
	}
	if c.Audit.WriteTimeout <= 0 {
		return fmt.Errorf("audit.write_timeout must be positive")
	}

	if err := c.Audit.Archive.validate(); err != nil {
		return err
	}

	validShippers := map[string]bool{"webhook": true, "file": true, "kafka": true, "archive": true}
	for i, s := range c.Audit.Shippers {
		if !s.Enabled {
			continue
		}
		if !validShippers[s.Type] {
			return fmt.Errorf("audit.shippers[%d]: unknown type %q (must be webhook, file, kafka, or archive)", i, s.Type)
		}
	}

	if c.Sessions.IdleTimeout <= 0 {
		return fmt.Errorf("sessions.idle_timeout must be positive")
	}
	if c.Sessions.TouchInterval < 0 {
		return fmt.Errorf("sessions.touch_interval must not be negative")
	}
	if c.Sessions.CookieName == "" {
		return fmt.Errorf("sessions.cookie_name is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

func (a *ArchiveConfig) validate() error {
	switch a.Backend {
	case "local":
		if a.Local.BasePath == "" {
			return fmt.Errorf("audit.archive.local.base_path is required when using local backend")
		}
	case "s3":
		if a.S3.Bucket == "" {
			return fmt.Errorf("audit.archive.s3.bucket is required when using S3 backend")
		}
		if a.S3.Region == "" {
			return fmt.Errorf("audit.archive.s3.region is required when using S3 backend")
		}
	case "azure":
		if a.Azure.AccountName == "" || a.Azure.AccountKey == "" || a.Azure.ContainerName == "" {
			return fmt.Errorf("audit.archive.azure account_name, account_key and container_name are required when using Azure backend")
		}
	case "gcs":
		if a.GCS.Bucket == "" {
			return fmt.Errorf("audit.archive.gcs.bucket is required when using GCS backend")
		}
	default:
		return fmt.Errorf("invalid archive backend: %s (must be local, s3, azure, or gcs)", a.Backend)
	}
	return nil
}

// HighSecurityEntityTypes parses the configured high-security entity list.
func (a *AuditConfig) HighSecurityEntityTypes() ([]models.EntityType, error) {
	out := make([]models.EntityType, 0, len(a.HighSecurityEntities))
	for _, name := range a.HighSecurityEntities {
		et := models.EntityType(strings.ToLower(strings.TrimSpace(name)))
		if !et.Valid() {
			return nil, fmt.Errorf("audit.high_security_entities: unknown entity type %q", name)
		}
		out = append(out, et)
	}
	return out, nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
