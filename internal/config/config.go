package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/livinlefevreloca/channelpipe/internal/channel"
	"github.com/livinlefevreloca/channelpipe/internal/db"
	"github.com/livinlefevreloca/channelpipe/internal/enrich"
	"github.com/livinlefevreloca/channelpipe/internal/ingest"
	"github.com/livinlefevreloca/channelpipe/internal/logging"
	"github.com/livinlefevreloca/channelpipe/internal/metrics"
	"github.com/livinlefevreloca/channelpipe/internal/pipeline"
	"github.com/livinlefevreloca/channelpipe/internal/serve"
	"github.com/livinlefevreloca/channelpipe/internal/transform"
)

// Environment variables that override file settings. Secrets belong here
// rather than in the config file.
const (
	EnvDatabaseDSN   = "CHANNELPIPE_DATABASE_DSN"
	EnvChannelToken  = "CHANNELPIPE_CHANNEL_TOKEN"
	EnvClassifierURL = "CHANNELPIPE_ENRICH_CLASSIFIER_URL"
)

// Config represents the application configuration
type Config struct {
	Database  db.Config        `toml:"database"`
	Ingest    ingest.Config    `toml:"ingest"`
	Channel   channel.Config   `toml:"channel"`
	Transform transform.Config `toml:"transform"`
	Enrich    enrich.Config    `toml:"enrich"`
	HTTP      serve.Config     `toml:"http"`
	Metrics   metrics.Config   `toml:"metrics"`
	Logging   logging.Config   `toml:"logging"`
	Pipeline  pipeline.Config  `toml:"pipeline"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: db.Config{
			Driver:          "sqlite3",
			DSN:             "channelpipe.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			SkipMigrations:  false,
		},
		Ingest:    ingest.DefaultConfig(),
		Channel:   channel.DefaultConfig(),
		Transform: transform.DefaultConfig(),
		Enrich:    enrich.DefaultConfig(),
		HTTP:      serve.DefaultConfig(),
		Metrics: metrics.Config{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    9090,
		},
		Logging:  logging.DefaultConfig(),
		Pipeline: pipeline.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	// Parse TOML file
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Environment variables
// 4. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	config.ApplyEnv(os.LookupEnv)
	return config, nil
}

// ApplyEnv overrides settings from the environment
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDatabaseDSN); ok && v != "" {
		c.Database.DSN = v
	}
	if v, ok := lookup(EnvChannelToken); ok && v != "" {
		c.Channel.Token = v
	}
	if v, ok := lookup(EnvClassifierURL); ok && v != "" {
		c.Enrich.ClassifierURL = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Database validation
	if c.Database.Driver == "" {
		return fmt.Errorf("database driver must be specified")
	}
	if c.Database.Driver != "sqlite3" && c.Database.Driver != "postgres" {
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3 or postgres)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}

	if err := c.Ingest.Validate(); err != nil {
		return err
	}
	if err := c.Channel.Validate(); err != nil {
		return err
	}
	if err := c.Transform.Validate(); err != nil {
		return err
	}
	if err := c.Enrich.Validate(); err != nil {
		return err
	}
	if err := c.HTTP.Validate(); err != nil {
		return err
	}

	// Metrics validation
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics port must be between 1 and 65535")
		}
		if c.HTTP.Enabled && c.HTTP.Port == c.Metrics.Port && c.HTTP.Address == c.Metrics.Address {
			return fmt.Errorf("metrics and HTTP servers cannot share %s:%d", c.HTTP.Address, c.HTTP.Port)
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return c.Pipeline.Validate()
}
