package service

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/famsync/famsync/internal/core/connectivity"
	"github.com/famsync/famsync/internal/core/engine"
	"github.com/famsync/famsync/internal/core/observability/log"
	"github.com/famsync/famsync/internal/core/replica"
)

// Config is the whole service configuration.
type Config struct {
	// DataDir is where collections, tombstones and the device identity
	// are persisted.
	DataDir string `yaml:"data_dir"`
	// FamilyID joins an existing shared family. Empty generates a fresh
	// one on first run; a previously persisted identity always wins.
	FamilyID string `yaml:"family_id,omitempty"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty"`
	// Remote configures the websocket relay. An empty endpoint runs the
	// service against an in-process replica, useful for trials and tests.
	Remote replica.WebsocketConfig `yaml:"remote"`
	// Heartbeat tunes the connectivity monitor.
	Heartbeat connectivity.Config `yaml:"heartbeat"`
	// Sync tunes the engine timers.
	Sync engine.Config `yaml:"sync"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration and fills remote defaults.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.Remote.Endpoint != "" {
		if err := c.Remote.Validate(); err != nil {
			return fmt.Errorf("remote config: %w", err)
		}
	}
	return nil
}

// Level maps the configured log level string to the logger's level.
func (c *Config) Level() log.Level {
	switch c.LogLevel {
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}
