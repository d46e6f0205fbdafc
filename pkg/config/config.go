package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/gridguard/pkg/observability"
	"github.com/platinummonkey/gridguard/pkg/rbac"
)

// Config holds all application configuration
type Config struct {
	Database      DatabaseConfig
	Redis         RedisConfig
	Permissions   PermissionsConfig
	Janitor       JanitorConfig
	Observability ObservabilityConfig
}

// DatabaseConfig holds the permission database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the API key rate limiter backend. An empty URL disables
// rate limiting.
type RedisConfig struct {
	URL       string
	KeyPrefix string
}

// PermissionsConfig holds evaluation settings
type PermissionsConfig struct {
	DefaultPolicy  string
	FailurePolicy  string
	CacheSize      int
	CacheTTL       time.Duration
	RowConcurrency int
}

// JanitorConfig holds the API key janitor schedule
type JanitorConfig struct {
	Schedule    string
	MetricsAddr string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	level, err := observability.ParseLogLevel(getEnv("GRIDGUARD_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg := &Config{
		Database: DatabaseConfig{
			URL:             getEnv("GRIDGUARD_DATABASE_URL", ""),
			MaxOpenConns:    getEnvInt("GRIDGUARD_DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvInt("GRIDGUARD_DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("GRIDGUARD_DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:       getEnv("GRIDGUARD_REDIS_URL", ""),
			KeyPrefix: getEnv("GRIDGUARD_REDIS_KEY_PREFIX", "gridguard:ratelimit"),
		},
		Permissions: PermissionsConfig{
			DefaultPolicy:  getEnv("GRIDGUARD_DEFAULT_POLICY", "open"),
			FailurePolicy:  getEnv("GRIDGUARD_FAILURE_POLICY", "fail-closed"),
			CacheSize:      getEnvInt("GRIDGUARD_SNAPSHOT_CACHE_SIZE", 1024),
			CacheTTL:       getEnvDuration("GRIDGUARD_SNAPSHOT_CACHE_TTL", 30*time.Second),
			RowConcurrency: getEnvInt("GRIDGUARD_ROW_CONCURRENCY", 8),
		},
		Janitor: JanitorConfig{
			Schedule:    getEnv("GRIDGUARD_JANITOR_SCHEDULE", "@every 5m"),
			MetricsAddr: getEnv("GRIDGUARD_JANITOR_METRICS_ADDR", ":9090"),
		},
		Observability: ObservabilityConfig{
			LogLevel:           level,
			MetricsEnabled:     getEnvBool("GRIDGUARD_METRICS_ENABLED", true),
			OTelEnabled:        getEnvBool("GRIDGUARD_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("GRIDGUARD_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("GRIDGUARD_OTEL_SERVICE_NAME", "gridguard"),
			OTelServiceVersion: getEnv("GRIDGUARD_OTEL_SERVICE_VERSION", "0.1.0"),
			OTelInsecure:       getEnvBool("GRIDGUARD_OTEL_INSECURE", true),
			OTelSampleRatio:    getEnvFloat("GRIDGUARD_OTEL_SAMPLE_RATIO", 1),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid. The database URL is not
// required here because fixture-backed commands run without one.
func (c *Config) Validate() error {
	if _, err := rbac.ParseDefaultPolicy(c.Permissions.DefaultPolicy); err != nil {
		return err
	}
	if _, err := rbac.ParseFailurePolicy(c.Permissions.FailurePolicy); err != nil {
		return err
	}
	if c.Permissions.CacheSize < 0 {
		return fmt.Errorf("snapshot cache size must not be negative")
	}
	if c.Permissions.CacheTTL < 0 {
		return fmt.Errorf("snapshot cache ttl must not be negative")
	}
	if c.Permissions.RowConcurrency <= 0 {
		return fmt.Errorf("row concurrency must be positive")
	}
	if c.Janitor.Schedule == "" {
		return fmt.Errorf("janitor schedule is required")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1, got %v", r)
	}

	return nil
}

// RequireDatabase reports an error when no database URL is configured
func (c *Config) RequireDatabase() error {
	if c.Database.URL == "" {
		return fmt.Errorf("GRIDGUARD_DATABASE_URL is required")
	}
	return nil
}

// TracingConfig converts the OTel settings for observability.InitTracing
func (c *Config) TracingConfig() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:        c.Observability.OTelEnabled,
		Endpoint:       c.Observability.OTelEndpoint,
		ServiceName:    c.Observability.OTelServiceName,
		ServiceVersion: c.Observability.OTelServiceVersion,
		Insecure:       c.Observability.OTelInsecure,
		SampleRatio:    c.Observability.OTelSampleRatio,
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
