package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Pending  PendingConfig
}

type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
}

type ServerConfig struct {
	Port            int
	GRPCPort        int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
}

// RedisConfig configures the analysis cache. An empty URL disables it.
type RedisConfig struct {
	URL         string
	AnalysisTTL time.Duration
}

// NATSConfig configures rule-change events. An empty URL disables them.
type NATSConfig struct {
	URL string
}

// PendingConfig configures the pending-action window.
type PendingConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	l := &loader{}

	cfg := &Config{
		Service: ServiceConfig{
			Name:        l.str("SERVICE_NAME", "be-ap-approval-rules"),
			Version:     l.str("SERVICE_VERSION", "dev"),
			Environment: l.str("ENVIRONMENT", "development"),
			LogLevel:    l.str("LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			Port:            l.integer("HTTP_PORT", 8086),
			GRPCPort:        l.integer("GRPC_PORT", 9086),
			ReadTimeout:     l.duration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    l.duration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     l.duration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: l.duration("SHUTDOWN_TIMEOUT", 20*time.Second),
		},
		Database: DatabaseConfig{
			Host:        l.str("DB_HOST", "localhost"),
			Port:        l.integer("DB_PORT", 5432),
			User:        l.str("DB_USER", "postgres"),
			Password:    l.str("DB_PASSWORD", "postgres"),
			Database:    l.str("DB_NAME", "approval_rules"),
			SSLMode:     l.str("DB_SSLMODE", "disable"),
			MaxConns:    int32(l.integer("DB_MAX_CONNS", 10)),
			MinConns:    int32(l.integer("DB_MIN_CONNS", 2)),
			MaxConnTime: l.duration("DB_MAX_CONN_TIME", time.Hour),
			MaxIdleTime: l.duration("DB_MAX_IDLE_TIME", 30*time.Minute),
			HealthCheck: l.duration("DB_HEALTH_CHECK", time.Minute),
		},
		Redis: RedisConfig{
			URL:         l.str("REDIS_URL", ""),
			AnalysisTTL: l.duration("ANALYSIS_CACHE_TTL", 10*time.Minute),
		},
		NATS: NATSConfig{
			URL: l.str("NATS_URL", ""),
		},
		Pending: PendingConfig{
			TTL:           l.duration("PENDING_ACTION_TTL", 5*time.Minute),
			SweepInterval: l.duration("PENDING_SWEEP_INTERVAL", 60*time.Second),
		},
	}

	if l.err != nil {
		return nil, l.err
	}
	if cfg.Pending.TTL <= 0 {
		return nil, fmt.Errorf("PENDING_ACTION_TTL must be positive")
	}
	if cfg.Pending.SweepInterval <= 0 {
		return nil, fmt.Errorf("PENDING_SWEEP_INTERVAL must be positive")
	}
	return cfg, nil
}

// loader keeps the first parse error so Load can report it once.
type loader struct {
	err error
}

func (l *loader) str(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func (l *loader) integer(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		l.fail(fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return parsed
}

func (l *loader) duration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		l.fail(fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return parsed
}

func (l *loader) fail(err error) {
	if l.err == nil {
		l.err = err
	}
}
