package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix, e.g. SKYFEED_PORT.
const Prefix = "SKYFEED"

// Config holds all configuration for the application.
type Config struct {
	// PDSURL is the personal data server sessions are created against.
	PDSURL string `envconfig:"PDS_URL" default:"https://bsky.social"`

	// DBPath is the SQLite file holding session, cache and preferences.
	// Set it empty to keep everything in memory.
	DBPath string `envconfig:"DB_PATH" default:"skyfeed.db"`

	// Port is the HTTP server port.
	Port int `envconfig:"PORT" default:"3000"`

	// FirehoseURL is the Jetstream WebSocket endpoint.
	FirehoseURL     string `envconfig:"FIREHOSE_URL" default:"wss://jetstream1.us-east.bsky.network/subscribe"`
	FirehoseEnabled bool   `envconfig:"FIREHOSE_ENABLED" default:"true"`

	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`
	CacheTTL    time.Duration `envconfig:"CACHE_TTL" default:"5m"`

	LogLevel slog.Level `envconfig:"LOG_LEVEL" default:"info"`

	// Debug logs every XRPC request at debug level.
	Debug bool `envconfig:"DEBUG" default:"false"`
}

// Load reads configuration from SKYFEED_* environment variables with
// sensible defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d", cfg.Port)
	}
	if cfg.Debug && cfg.LogLevel > slog.LevelDebug {
		cfg.LogLevel = slog.LevelDebug
	}
	return &cfg, nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
