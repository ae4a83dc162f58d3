// Package config loads SchedArray configuration: compiled defaults, an
// optional YAML file, the SCHEDARRAY_DB environment override, and flags on
// top (the CLI applies flags last).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvDBPath overrides the database path when set.
const EnvDBPath = "SCHEDARRAY_DB"

// Config is the root configuration for the SchedArray service.
type Config struct {
	DBPath              string        `yaml:"db_path"`
	MaxWorkers          int           `yaml:"max_workers"`
	PollIntervalSeconds float64       `yaml:"poll_interval"`
	DrainTimeoutSeconds int           `yaml:"drain_timeout"`
	Logging             LoggingConfig `yaml:"logging"`
}

// LoggingConfig controls the rotating service log.
type LoggingConfig struct {
	File      string `yaml:"file"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	MaxAge    int    `yaml:"max_age_days"`
	Compress  bool   `yaml:"compress"`
}

// Default returns the compiled defaults.
func Default() *Config {
	return &Config{
		DBPath:              DefaultDBPath(),
		MaxWorkers:          4,
		PollIntervalSeconds: 1.0,
		DrainTimeoutSeconds: 30,
		Logging: LoggingConfig{
			File:      "service.log",
			MaxSizeMB: 10,
			MaxAge:    14,
			Compress:  false,
		},
	}
}

// DefaultDBPath is ~/.schedarray/schedarray.db, falling back to the working
// directory when the home directory cannot be determined.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "schedarray.db"
	}
	return filepath.Join(home, ".schedarray", "schedarray.db")
}

// DefaultPath is the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".schedarray", "config.yaml")
}

// Load reads configuration from a YAML file layered over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads the config file when it exists and returns the
// defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		// Load wraps the read error with %w, which os.IsNotExist does not
		// see through; check the path directly, anything else is a real
		// problem.
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be >= 1, got %d", c.MaxWorkers)
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollIntervalSeconds)
	}
	if c.DrainTimeoutSeconds < 0 {
		return fmt.Errorf("drain_timeout must not be negative, got %d", c.DrainTimeoutSeconds)
	}
	return nil
}

// PollInterval returns the poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

// DrainTimeout returns the drain timeout as a duration.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// ResolveDBPath applies the precedence flag > environment > config file.
func ResolveDBPath(flagValue string, cfg *Config) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvDBPath); env != "" {
		return env
	}
	if cfg != nil && cfg.DBPath != "" {
		return cfg.DBPath
	}
	return DefaultDBPath()
}
