// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
	GetDatabaseMaxConns() int
	GetDatabaseMinConns() int
	GetDatabaseAppName() string
}

// RedisConfig provides settings for the shared Redis instance.
type RedisConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
}

// SchedulerConfig provides settings for the asynq task queue.
type SchedulerConfig interface {
	RedisConfig
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
	GetReconcileCron() string
}

// CacheConfig provides settings for the two-tier forecast cache.
type CacheConfig interface {
	GetCacheFastTTL() time.Duration
	GetCacheSharedTTL() time.Duration
	GetCacheFastSize() int
	GetCacheStaleRetention() time.Duration
	GetCacheRecomputeTimeout() time.Duration
	GetCacheRetryInterval() time.Duration
}

// ForecastConfig provides settings for the recalculation engine.
type ForecastConfig interface {
	GetStageRulesPath() string
	GetRecalcWorkers() int
	GetRecalcQueueSize() int
	GetAdjustmentMin() string
	GetAdjustmentMax() string
	GetForecastHistoryDepth() int
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetMetricsAddr() string
}

// MinIOConfig provides settings for MinIO S3-compatible storage.
type MinIOConfig interface {
	GetMinIOEndpoint() string
	GetMinIOAccessKey() string
	GetMinIOSecretKey() string
	GetMinIOUseSSL() bool
	GetForecastArchiveBucket() string
	IsMinIOEnabled() bool
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                   string
	HTTPAddr              string
	MetricsAddr           string
	DatabaseURL           string
	DatabaseMaxConns      int
	DatabaseMinConns      int
	DatabaseAppName       string
	RedisURL              string
	RedisTLSInsecure      bool
	AsynqQueueName        string
	AsynqConcurrency      int
	ReconcileCron         string
	CacheFastTTL          time.Duration
	CacheSharedTTL        time.Duration
	CacheFastSize         int
	CacheStaleRetention   time.Duration
	CacheRecomputeTimeout time.Duration
	CacheRetryInterval    time.Duration
	StageRulesPath        string
	RecalcWorkers         int
	RecalcQueueSize       int
	AdjustmentMin         string
	AdjustmentMax         string
	ForecastHistoryDepth  int
	CORSAllowAll          bool
	CORSOrigins           []string
	MinIOEndpoint         string
	MinIOAccessKey        string
	MinIOSecretKey        string
	MinIOUseSSL           bool
	ForecastArchiveBucket string
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string     { return c.DatabaseURL }
func (c *Config) GetDatabaseMaxConns() int   { return c.DatabaseMaxConns }
func (c *Config) GetDatabaseMinConns() int   { return c.DatabaseMinConns }
func (c *Config) GetDatabaseAppName() string { return c.DatabaseAppName }

// RedisConfig implementation
func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }

// SchedulerConfig implementation
func (c *Config) GetAsynqQueueName() string { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int  { return c.AsynqConcurrency }
func (c *Config) GetReconcileCron() string  { return c.ReconcileCron }

// CacheConfig implementation
func (c *Config) GetCacheFastTTL() time.Duration          { return c.CacheFastTTL }
func (c *Config) GetCacheSharedTTL() time.Duration        { return c.CacheSharedTTL }
func (c *Config) GetCacheFastSize() int                   { return c.CacheFastSize }
func (c *Config) GetCacheStaleRetention() time.Duration   { return c.CacheStaleRetention }
func (c *Config) GetCacheRecomputeTimeout() time.Duration { return c.CacheRecomputeTimeout }
func (c *Config) GetCacheRetryInterval() time.Duration    { return c.CacheRetryInterval }

// ForecastConfig implementation
func (c *Config) GetStageRulesPath() string     { return c.StageRulesPath }
func (c *Config) GetRecalcWorkers() int         { return c.RecalcWorkers }
func (c *Config) GetRecalcQueueSize() int       { return c.RecalcQueueSize }
func (c *Config) GetAdjustmentMin() string      { return c.AdjustmentMin }
func (c *Config) GetAdjustmentMax() string      { return c.AdjustmentMax }
func (c *Config) GetForecastHistoryDepth() int  { return c.ForecastHistoryDepth }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetMetricsAddr() string   { return c.MetricsAddr }

// MinIOConfig implementation
func (c *Config) GetMinIOEndpoint() string         { return c.MinIOEndpoint }
func (c *Config) GetMinIOAccessKey() string        { return c.MinIOAccessKey }
func (c *Config) GetMinIOSecretKey() string        { return c.MinIOSecretKey }
func (c *Config) GetMinIOUseSSL() bool             { return c.MinIOUseSSL }
func (c *Config) GetForecastArchiveBucket() string { return c.ForecastArchiveBucket }
func (c *Config) IsMinIOEnabled() bool             { return c.MinIOEndpoint != "" }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	cfg := &Config{
		Env:                   getEnv("APP_ENV", "development"),
		HTTPAddr:              getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr:           getEnv("METRICS_ADDR", ":9090"),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:      mustInt(getEnv("DB_MAX_CONNS", "25")),
		DatabaseMinConns:      mustInt(getEnv("DB_MIN_CONNS", "2")),
		DatabaseAppName:       getEnv("DB_APP_NAME", "pipeline-forecast"),
		RedisURL:              getEnv("REDIS_URL", ""),
		RedisTLSInsecure:      strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:        getEnv("ASYNQ_QUEUE_NAME", "pipeline"),
		AsynqConcurrency:      mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),
		ReconcileCron:         getEnv("RECONCILE_CRON", "@daily"),
		CacheFastTTL:          mustDuration(getEnv("CACHE_FAST_TTL", "10s")),
		CacheSharedTTL:        mustDuration(getEnv("CACHE_SHARED_TTL", "60s")),
		CacheFastSize:         mustInt(getEnv("CACHE_FAST_SIZE", "4096")),
		CacheStaleRetention:   mustDuration(getEnv("CACHE_STALE_RETENTION", "24h")),
		CacheRecomputeTimeout: mustDuration(getEnv("CACHE_RECOMPUTE_TIMEOUT", "5s")),
		CacheRetryInterval:    mustDuration(getEnv("CACHE_RETRY_INTERVAL", "30s")),
		StageRulesPath:        getEnv("STAGE_RULES_PATH", ""),
		RecalcWorkers:         mustInt(getEnv("RECALC_WORKERS", "8")),
		RecalcQueueSize:       mustInt(getEnv("RECALC_QUEUE_SIZE", "1024")),
		AdjustmentMin:         getEnv("FORECAST_ADJUSTMENT_MIN", "0.5"),
		AdjustmentMax:         getEnv("FORECAST_ADJUSTMENT_MAX", "1.5"),
		ForecastHistoryDepth:  mustInt(getEnv("FORECAST_HISTORY_DEPTH", "20")),
		CORSAllowAll:          corsAllowAll,
		CORSOrigins:           corsOrigins,
		MinIOEndpoint:         getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey:        getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:        getEnv("MINIO_SECRET_KEY", ""),
		MinIOUseSSL:           strings.EqualFold(getEnv("MINIO_USE_SSL", "false"), "true"),
		ForecastArchiveBucket: getEnv("FORECAST_ARCHIVE_BUCKET", "forecast-archive"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DatabaseMaxConns < 1 || c.DatabaseMinConns < 0 || c.DatabaseMinConns > c.DatabaseMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) must satisfy 0 <= min <= max, max >= 1", c.DatabaseMinConns, c.DatabaseMaxConns)
	}
	if c.CacheFastTTL <= 0 || c.CacheSharedTTL <= 0 {
		return fmt.Errorf("CACHE_FAST_TTL and CACHE_SHARED_TTL must be positive durations")
	}
	if c.CacheFastTTL > c.CacheSharedTTL {
		return fmt.Errorf("CACHE_FAST_TTL (%s) cannot exceed CACHE_SHARED_TTL (%s)", c.CacheFastTTL, c.CacheSharedTTL)
	}
	if c.CacheStaleRetention < c.CacheSharedTTL {
		return fmt.Errorf("CACHE_STALE_RETENTION must be at least CACHE_SHARED_TTL")
	}
	if c.CacheRecomputeTimeout <= 0 {
		return fmt.Errorf("CACHE_RECOMPUTE_TIMEOUT must be a positive duration")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
