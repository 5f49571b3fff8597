// Package config loads the YAML configuration shared by the postpone
// binaries.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Logging LoggingConfig `yaml:"logging"`
	Worker  WorkerConfig  `yaml:"worker"`
	UI      UIConfig      `yaml:"ui"`
}

// StoreConfig selects and configures the job store backend.
type StoreConfig struct {
	// Driver is "postgres", "mysql" or "memory".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// PollInterval applies to the MySQL backend, which has no native
	// pub/sub and polls for defers from other processes.
	PollInterval time.Duration `yaml:"poll_interval"`
	// ListenMinInterval and ListenMaxInterval bound the reconnect delay
	// of the Postgres LISTEN connection.
	ListenMinInterval time.Duration `yaml:"listen_min_interval"`
	ListenMaxInterval time.Duration `yaml:"listen_max_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is "text", "json" or "tint".
	Format string `yaml:"format"`
}

// WorkerConfig holds worker loop configuration.
type WorkerConfig struct {
	Queues              []string      `yaml:"queues"`
	Concurrency         int           `yaml:"concurrency"`
	StalledAfter        time.Duration `yaml:"stalled_after"`
	RetentionPeriod     time.Duration `yaml:"retention_period"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// UIConfig holds the dashboard server configuration.
type UIConfig struct {
	Addr            string        `yaml:"addr"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// Load reads and parses the configuration file. The store DSN can be
// overridden with the POSTPONE_DSN environment variable, so credentials
// can stay out of the file.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if dsn := os.Getenv("POSTPONE_DSN"); dsn != "" {
		config.Store.DSN = dsn
	}
	return config, nil
}

// Default returns the configuration used when a field is absent from the
// file.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:            "memory",
			PollInterval:      5 * time.Second,
			ListenMinInterval: 10 * time.Second,
			ListenMaxInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Worker: WorkerConfig{
			Concurrency:         4,
			StalledAfter:        30 * time.Minute,
			RetentionPeriod:     24 * time.Hour,
			MaintenanceInterval: time.Minute,
		},
		UI: UIConfig{
			Addr:            ":8999",
			RefreshInterval: time.Second,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres", "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json", "tint":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}
	if c.Worker.StalledAfter <= 0 {
		return fmt.Errorf("worker stalled_after must be greater than 0")
	}
	if c.Worker.RetentionPeriod <= 0 {
		return fmt.Errorf("worker retention_period must be greater than 0")
	}
	if c.Worker.MaintenanceInterval <= 0 {
		return fmt.Errorf("worker maintenance_interval must be greater than 0")
	}

	if c.UI.Addr == "" {
		return fmt.Errorf("ui addr is required")
	}
	if c.UI.RefreshInterval <= 0 {
		return fmt.Errorf("ui refresh_interval must be greater than 0")
	}
	return nil
}
