// Package config loads intake configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Store backends for the session slot.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds all configuration for the intake client and reference server.
type Config struct {
	// ServerURL is the base URL of the analysis service.
	ServerURL string `envconfig:"INTAKE_SERVER_URL" default:"http://localhost:8000"`

	// DataDir holds the SQLite database. Defaults to ~/.intake.
	DataDir string `envconfig:"INTAKE_DATA_DIR"`

	// Store selects where the session record is kept: sqlite, redis or memory.
	Store     string `envconfig:"INTAKE_STORE" default:"sqlite"`
	RedisAddr string `envconfig:"INTAKE_REDIS_ADDR" default:"localhost:6379"`

	IdleTimeout time.Duration `envconfig:"INTAKE_IDLE_TIMEOUT" default:"30m"`
	LogLevel    string        `envconfig:"INTAKE_LOG_LEVEL" default:"info"`

	// Addr is the listen address of the reference server.
	Addr string `envconfig:"INTAKE_ADDR" default:":8000"`

	// QuestionsFile replaces the built-in question set when set.
	QuestionsFile string `envconfig:"INTAKE_QUESTIONS_FILE"`
}

// Load reads the configuration from INTAKE_* environment variables and
// creates the data directory.
func Load() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreSQLite, StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("INTAKE_STORE: unknown store %q (want sqlite, redis or memory)", c.Store)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("INTAKE_IDLE_TIMEOUT: must be positive, got %s", c.IdleTimeout)
	}
	return nil
}

// DatabasePath is the SQLite file inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "intake.db")
}

// DefaultDataDir returns ~/.intake, or .intake when there is no home directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".intake"
	}
	return filepath.Join(home, ".intake")
}
