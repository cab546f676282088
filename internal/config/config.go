package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Port        int    `env:"PORT" envDefault:"3001"`
	Environment string `env:"NODE_ENV" envDefault:"development"`

	// Auth
	JWTSecret     string `env:"JWT_SECRET" envDefault:""`
	MetricsAPIKey string `env:"METRICS_API_KEY" envDefault:""`

	// Shared store (Redis)
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`

	// Transport
	CORSOrigin     string `env:"CORS_ORIGIN" envDefault:"http://localhost:3000"`
	MaxConnections int    `env:"WS_MAX_CONNECTIONS" envDefault:"10000"`

	// Rate limiting (handshakes per IP per window)
	ConnRateWindow time.Duration `env:"CONN_RATE_WINDOW" envDefault:"60s"`
	ConnRateMax    int           `env:"CONN_RATE_MAX" envDefault:"60"`

	// Local cache in front of the shared store
	CacheTTL     time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	CacheEntries int           `env:"CACHE_MAX_ENTRIES" envDefault:"10000"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production uses real env vars.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.ConnRateMax < 1 {
		return fmt.Errorf("CONN_RATE_MAX must be > 0, got %d", c.ConnRateMax)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL)
	}
	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// IsProduction reports whether the process runs with production semantics
// (strict auth, metrics endpoints require the API key).
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// RedisAddr returns the host:port address of the shared store.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// LogConfig logs the effective configuration using structured logging.
// Secrets are redacted.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("port", c.Port).
		Str("environment", c.Environment).
		Str("redis_addr", c.RedisAddr()).
		Str("cors_origin", c.CORSOrigin).
		Int("max_connections", c.MaxConnections).
		Dur("conn_rate_window", c.ConnRateWindow).
		Int("conn_rate_max", c.ConnRateMax).
		Dur("cache_ttl", c.CacheTTL).
		Int("cache_max_entries", c.CacheEntries).
		Bool("jwt_secret_set", c.JWTSecret != "").
		Bool("metrics_key_set", c.MetricsAPIKey != "").
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
