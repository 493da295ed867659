package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"

	"github.com/taskmcp/taskmcp/internal/cache"
	"github.com/taskmcp/taskmcp/internal/circuit"
	"github.com/taskmcp/taskmcp/internal/store"
	"github.com/taskmcp/taskmcp/pkg/errors"
	"github.com/taskmcp/taskmcp/pkg/retry"
	"github.com/taskmcp/taskmcp/pkg/utils"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "TASKMCP_"

// Store backends.
const (
	BackendMemory = "memory"
	BackendS3     = "s3"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global" envPrefix:"LOG_"`
	Cache   CacheConfig   `yaml:"cache" envPrefix:"CACHE_"`
	Store   StoreConfig   `yaml:"store" envPrefix:"STORE_"`
	Server  ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
	Tracing TracingConfig `yaml:"tracing" envPrefix:"TRACING_"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level" env:"LEVEL"`
	LogFormat string `yaml:"log_format" env:"FORMAT"`

	// ComponentLevels overrides LogLevel per component, e.g. store: DEBUG
	ComponentLevels map[string]string `yaml:"component_levels,omitempty" env:"COMPONENT_LEVELS"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	DefaultTTL      time.Duration            `yaml:"default_ttl" env:"DEFAULT_TTL"`
	MaxEntries      int                      `yaml:"max_entries" env:"MAX_ENTRIES"`
	MaxMemoryMB     float64                  `yaml:"max_memory_mb" env:"MAX_MEMORY_MB"`
	CleanupInterval time.Duration            `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	DedupeLoads     bool                     `yaml:"dedupe_loads" env:"DEDUPE_LOADS"`
	OperationTTLs   map[string]time.Duration `yaml:"operation_ttls,omitempty"`

	// MonitorInterval is how often the memory monitor samples the heap that
	// feeds memory-pressure eviction
	MonitorInterval time.Duration `yaml:"monitor_interval" env:"MONITOR_INTERVAL"`
}

// StoreConfig selects and configures the record store
type StoreConfig struct {
	Backend string        `yaml:"backend" env:"BACKEND"`
	S3      S3Config      `yaml:"s3" envPrefix:"S3_"`
	Retry   RetryConfig   `yaml:"retry" envPrefix:"RETRY_"`
	Breaker BreakerConfig `yaml:"breaker" envPrefix:"BREAKER_"`
}

// S3Config represents S3 backend settings
type S3Config struct {
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	Region          string `yaml:"region" env:"REGION"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	UsePathStyle    bool   `yaml:"use_path_style" env:"USE_PATH_STYLE"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" env:"SECRET_ACCESS_KEY"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay   time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
}

// BreakerConfig represents the circuit breaker in front of the store
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	FailureThreshold uint32        `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ServerConfig represents the HTTP surface
type ServerConfig struct {
	Address         string        `yaml:"address" env:"ADDRESS"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	MetricsEnabled  bool          `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
	MetricsPath     string        `yaml:"metrics_path" env:"METRICS_PATH"`
}

// TracingConfig represents OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" env:"ENABLED"`
	PrettyPrint bool   `yaml:"pretty_print" env:"PRETTY_PRINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	cacheDefaults := cache.DefaultConfig()
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Cache: CacheConfig{
			DefaultTTL:      cacheDefaults.DefaultTTL,
			MaxEntries:      cacheDefaults.MaxEntries,
			MaxMemoryMB:     cacheDefaults.MaxMemoryMB,
			CleanupInterval: cacheDefaults.CleanupInterval,
			DedupeLoads:     cacheDefaults.DedupeLoads,
			MonitorInterval: 5 * time.Second,
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			S3: S3Config{
				Prefix: "taskmcp",
				Region: "us-east-1",
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    5 * time.Second,
			},
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimitRPS:    100,
			RateLimitBurst:  200,
			MetricsEnabled:  true,
			MetricsPath:     "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			PrettyPrint: true,
			ServiceName: "taskmcp",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path when path is non-empty, then TASKMCP_* environment variables.
func Load(path string) (*Configuration, error) {
	c := NewDefault()
	if path != "" {
		if err := c.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithContext("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to parse config file").
			WithContext("file", filename)
	}

	return nil
}

// LoadFromEnv overlays TASKMCP_* environment variables. Unset variables leave
// the current value untouched.
func (c *Configuration) LoadFromEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to parse environment")
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := c.YAML()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to create config directory")
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to write config file")
	}

	return nil
}

// YAML renders the configuration with secrets masked.
func (c *Configuration) YAML() ([]byte, error) {
	masked := *c
	if masked.Store.S3.SecretAccessKey != "" {
		masked.Store.S3.SecretAccessKey = "********"
	}
	data, err := yaml.Marshal(&masked)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigSave, "failed to marshal config")
	}
	return data, nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("log_level", "invalid log_level: %s (must be one of: TRACE, DEBUG, INFO, WARN, ERROR, FATAL)", c.Global.LogLevel)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return invalid("log_format", "invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}
	for component, level := range c.Global.ComponentLevels {
		if _, err := utils.ParseLogLevel(level); err != nil {
			return invalid("component_levels", "invalid log level %s for component %s", level, component)
		}
	}

	if c.Cache.DefaultTTL <= 0 {
		return invalid("cache.default_ttl", "default_ttl must be greater than 0")
	}
	if c.Cache.MaxEntries <= 0 {
		return invalid("cache.max_entries", "max_entries must be greater than 0")
	}
	if c.Cache.MaxMemoryMB < 0 {
		return invalid("cache.max_memory_mb", "max_memory_mb cannot be negative")
	}
	if c.Cache.CleanupInterval < 0 {
		return invalid("cache.cleanup_interval", "cleanup_interval cannot be negative")
	}
	for op, ttl := range c.Cache.OperationTTLs {
		if ttl <= 0 {
			return invalid("cache.operation_ttls", "operation ttl for %s must be greater than 0", op)
		}
	}

	switch strings.ToLower(c.Store.Backend) {
	case BackendMemory:
	case BackendS3:
		if c.Store.S3.Bucket == "" {
			return invalid("store.s3.bucket", "bucket is required for the s3 backend")
		}
		if (c.Store.S3.AccessKeyID == "") != (c.Store.S3.SecretAccessKey == "") {
			return invalid("store.s3.access_key_id", "access_key_id and secret_access_key must be set together")
		}
	default:
		return invalid("store.backend", "invalid backend: %s (must be memory or s3)", c.Store.Backend)
	}
	if c.Store.Retry.MaxAttempts <= 0 {
		return invalid("store.retry.max_attempts", "max_attempts must be greater than 0")
	}
	if c.Store.Breaker.Enabled && c.Store.Breaker.Timeout <= 0 {
		return invalid("store.breaker.timeout", "breaker timeout must be greater than 0")
	}

	if c.Server.Address == "" {
		return invalid("server.address", "address is required")
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		return invalid("server.rate_limit_rps", "rate limits cannot be negative")
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst == 0 {
		return invalid("server.rate_limit_burst", "rate_limit_burst must be greater than 0 when rate limiting is enabled")
	}

	return nil
}

func invalid(field, format string, args ...interface{}) error {
	return errors.NewError(errors.ErrCodeConfigValidation, fmt.Sprintf(format, args...)).
		WithComponent("config").
		WithDetail("field", field)
}

// CacheOptions converts the cache section into cache.Config.
func (c *Configuration) CacheOptions() cache.Config {
	return cache.Config{
		DefaultTTL:      c.Cache.DefaultTTL,
		MaxEntries:      c.Cache.MaxEntries,
		MaxMemoryMB:     c.Cache.MaxMemoryMB,
		CleanupInterval: c.Cache.CleanupInterval,
		DedupeLoads:     c.Cache.DedupeLoads,
		OperationTTLs:   c.Cache.OperationTTLs,
	}
}

// OpenStore builds the configured record store, wrapped in a circuit breaker
// when enabled.
func (c *Configuration) OpenStore(ctx context.Context, logger *utils.StructuredLogger) (store.Store, error) {
	var s store.Store
	switch strings.ToLower(c.Store.Backend) {
	case BackendS3:
		opts := store.S3Options{
			Bucket:          c.Store.S3.Bucket,
			Prefix:          c.Store.S3.Prefix,
			Region:          c.Store.S3.Region,
			Endpoint:        c.Store.S3.Endpoint,
			UsePathStyle:    c.Store.S3.UsePathStyle,
			AccessKeyID:     c.Store.S3.AccessKeyID,
			SecretAccessKey: c.Store.S3.SecretAccessKey,
			Retry: retry.Config{
				MaxAttempts:  c.Store.Retry.MaxAttempts,
				InitialDelay: c.Store.Retry.BaseDelay,
				MaxDelay:     c.Store.Retry.MaxDelay,
				Jitter:       true,
			},
			Logger: logger,
		}
		client, err := store.NewS3Client(ctx, opts)
		if err != nil {
			return nil, err
		}
		s3store, err := store.NewS3Store(client, opts)
		if err != nil {
			return nil, err
		}
		s = s3store
	default:
		s = store.NewMemoryStore()
	}

	if c.Store.Breaker.Enabled {
		s = store.NewGuarded(s, circuit.Config{
			FailureThreshold: c.Store.Breaker.FailureThreshold,
			Timeout:          c.Store.Breaker.Timeout,
			OnStateChange: func(name string, from, to circuit.State) {
				utils.OrDefault(logger).Warn("circuit breaker state changed", map[string]interface{}{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				})
			},
		})
	}
	return s, nil
}

// Logger builds the structured logger described by the global section.
func (c *Configuration) Logger() (*utils.StructuredLogger, error) {
	logger, err := utils.NewLoggerFromStrings(c.Global.LogLevel, c.Global.LogFormat, os.Stderr)
	if err != nil {
		return nil, err
	}
	for component, level := range c.Global.ComponentLevels {
		lvl, err := utils.ParseLogLevel(level)
		if err != nil {
			return nil, err
		}
		logger.SetComponentLevel(component, lvl)
	}
	return logger, nil
}
