package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/helpme/helpme/pkg/observability"
	"github.com/helpme/helpme/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      storage.Config
	Redis         storage.RedisConfig
	Roles         RolesConfig
	Guard         GuardConfig
	Notify        NotifyConfig
	Sweeper       SweeperConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	// RateLimit is the per-user request budget per minute; zero disables it
	RateLimit int

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// RolesConfig controls the role resolver cache. A zero size disables it.
type RolesConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// GuardConfig points at an optional YAML file overriding route requirements
type GuardConfig struct {
	PolicyFile  string
	WatchPolicy bool
}

// NotifyConfig holds real-time delivery settings
type NotifyConfig struct {
	SendBuffer         int
	PingInterval       time.Duration
	SubscribeRateLimit int
	SubscribeWindow    time.Duration
}

// SweeperConfig holds check-out sweep settings
type SweeperConfig struct {
	Schedule    string
	Workers     int
	TaskTimeout time.Duration
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
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Roles:         loadRolesConfig(),
		Guard:         loadGuardConfig(),
		Notify:        loadNotifyConfig(),
		Sweeper:       loadSweeperConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("HELPME_HOST", "0.0.0.0"),
		Port:            getEnv("HELPME_PORT", "8080"),
		ReadTimeout:     getEnvDuration("HELPME_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("HELPME_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("HELPME_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("HELPME_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("HELPME_MAX_BODY_BYTES", 1<<20),
		RateLimit:       getEnvInt("HELPME_API_RATE_LIMIT", 600),
		HealthPort:      getEnv("HELPME_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() storage.Config {
	return storage.Config{
		Driver:      getEnv("HELPME_DB_DRIVER", "postgres"),
		URL:         getEnv("HELPME_DATABASE_URL", ""),
		MaxConns:    getEnvInt("HELPME_DB_MAX_CONNS", 20),
		MinConns:    getEnvInt("HELPME_DB_MIN_CONNS", 2),
		Timeout:     getEnvDuration("HELPME_DB_TIMEOUT", 5*time.Second),
		MaxLifetime: getEnvDuration("HELPME_DB_MAX_LIFETIME", 30*time.Minute),
		MaxIdleTime: getEnvDuration("HELPME_DB_MAX_IDLE_TIME", 5*time.Minute),
	}
}

func loadRedisConfig() storage.RedisConfig {
	return storage.RedisConfig{
		URL:        getEnv("HELPME_REDIS_URL", ""),
		Password:   getEnv("HELPME_REDIS_PASSWORD", ""),
		DB:         getEnvInt("HELPME_REDIS_DB", 0),
		MaxRetries: getEnvInt("HELPME_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("HELPME_REDIS_POOL_SIZE", 0),
	}
}

func loadRolesConfig() RolesConfig {
	return RolesConfig{
		CacheSize: getEnvInt("HELPME_ROLE_CACHE_SIZE", 10000),
		CacheTTL:  getEnvDuration("HELPME_ROLE_CACHE_TTL", 30*time.Second),
	}
}

func loadGuardConfig() GuardConfig {
	return GuardConfig{
		PolicyFile:  getEnv("HELPME_POLICY_FILE", ""),
		WatchPolicy: getEnvBool("HELPME_POLICY_WATCH", true),
	}
}

func loadNotifyConfig() NotifyConfig {
	return NotifyConfig{
		SendBuffer:         getEnvInt("HELPME_WS_SEND_BUFFER", 128),
		PingInterval:       getEnvDuration("HELPME_WS_PING_INTERVAL", 30*time.Second),
		SubscribeRateLimit: getEnvInt("HELPME_SUBSCRIBE_RATE_LIMIT", 60),
		SubscribeWindow:    getEnvDuration("HELPME_SUBSCRIBE_WINDOW", time.Minute),
	}
}

func loadSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Schedule:    getEnv("HELPME_SWEEP_SCHEDULE", "*/5 * * * *"),
		Workers:     getEnvInt("HELPME_SWEEP_WORKERS", 4),
		TaskTimeout: getEnvDuration("HELPME_SWEEP_TASK_TIMEOUT", 10*time.Second),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("HELPME_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("HELPME_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("HELPME_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("HELPME_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("HELPME_OTEL_SERVICE_NAME", "helpme"),
		OTelServiceVersion: getEnv("HELPME_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("HELPME_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("HELPME_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	dialect, err := storage.ParseDialect(c.Database.Driver)
	if err != nil {
		return err
	}
	if dialect == storage.DialectPostgres && c.Database.URL == "" {
		return fmt.Errorf("database URL is required for postgres")
	}

	if c.Roles.CacheSize < 0 {
		return fmt.Errorf("role cache size must not be negative")
	}
	if c.Roles.CacheSize > 0 && c.Roles.CacheTTL <= 0 {
		return fmt.Errorf("role cache TTL must be positive when the cache is enabled")
	}

	if c.Sweeper.Schedule == "" {
		return fmt.Errorf("sweep schedule is required")
	}

	if c.Notify.SendBuffer <= 0 {
		return fmt.Errorf("websocket send buffer must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// Addr returns the API listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// HealthAddr returns the health/metrics listen address
func (s ServerConfig) HealthAddr() string {
	return s.Host + ":" + s.HealthPort
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

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
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
