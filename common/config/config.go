package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Engine    EngineConfig
	Node      NodeConfig
	Telemetry TelemetryConfig
	RateLimit RateLimitConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings for the definition
// store and the workflow archive
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds settings for the durable state store
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// SchedulerConfig holds scheduler loop settings
type SchedulerConfig struct {
	TickInterval time.Duration
	// StrictNodeCheck rejects submissions that reference nodes missing from
	// the registry instead of failing them on the first tick
	StrictNodeCheck bool
}

// EngineConfig holds execution engine settings
type EngineConfig struct {
	DefaultStepTimeout time.Duration
	ResultPollInitial  time.Duration
	ResultPollMax      time.Duration
	// TransportRetries caps the doubling-timeout retry loop in the node
	// client; the retry loop is unbounded without it
	TransportRetries int
	ArchiveRetention time.Duration
}

// NodeConfig holds defaults for hosted node runtimes
type NodeConfig struct {
	StatusInterval time.Duration
	StateInterval  time.Duration
}

// RateLimitConfig throttles workflow submissions
type RateLimitConfig struct {
	Enabled            bool
	GlobalPerMinute    int64
	SubmitterPerMinute int64
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8013),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "workcell"),
			User:        getEnv("POSTGRES_USER", "workcell"),
			Password:    getEnv("POSTGRES_PASSWORD", "workcell"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Scheduler: SchedulerConfig{
			TickInterval:    getEnvDuration("SCHEDULER_TICK_INTERVAL", 1*time.Second),
			StrictNodeCheck: getEnvBool("SCHEDULER_STRICT_NODE_CHECK", false),
		},
		Engine: EngineConfig{
			DefaultStepTimeout: getEnvDuration("ENGINE_DEFAULT_STEP_TIMEOUT", 5*time.Minute),
			ResultPollInitial:  getEnvDuration("ENGINE_RESULT_POLL_INITIAL", 250*time.Millisecond),
			ResultPollMax:      getEnvDuration("ENGINE_RESULT_POLL_MAX", 5*time.Second),
			TransportRetries:   getEnvInt("ENGINE_TRANSPORT_RETRIES", 3),
			ArchiveRetention:   getEnvDuration("ENGINE_ARCHIVE_RETENTION", 1*time.Hour),
		},
		Node: NodeConfig{
			StatusInterval: getEnvDuration("NODE_STATUS_INTERVAL", 5*time.Second),
			StateInterval:  getEnvDuration("NODE_STATE_INTERVAL", 5*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:            getEnvBool("RATE_LIMIT_ENABLED", true),
			GlobalPerMinute:    int64(getEnvInt("RATE_LIMIT_GLOBAL_PER_MINUTE", 300)),
			SubmitterPerMinute: int64(getEnvInt("RATE_LIMIT_SUBMITTER_PER_MINUTE", 60)),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", true),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler tick interval must be positive")
	}

	if c.Engine.TransportRetries < 1 {
		return fmt.Errorf("transport retries must be >= 1")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the host:port address of the state store
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
