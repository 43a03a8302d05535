// Package config loads the service configuration: struct defaults, then an
// optional yaml file, then MORTGAGE_-prefixed environment variables, each
// layer overriding the last.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Jobs     JobsConfig     `koanf:"jobs"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// JobsConfig holds the daily trigger times ("15:04", UTC) for the batch
// passes. Reconciliation runs on the first of the month.
type JobsConfig struct {
	GenerateAt  string `koanf:"generate_at"`
	OverdueAt   string `koanf:"overdue_at"`
	ReconcileAt string `koanf:"reconcile_at"`
}

// Load reads configuration from defaults, an optional yaml file named by
// path (or the MORTGAGE_CONFIG env var) and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "mortgages.db",
		},
		Jobs: JobsConfig{
			GenerateAt:  "02:00",
			OverdueAt:   "03:00",
			ReconcileAt: "01:00",
		},
	}
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv("MORTGAGE_CONFIG")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider("MORTGAGE_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "MORTGAGE_")), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for name, value := range map[string]string{
		"jobs.generate_at":  c.Jobs.GenerateAt,
		"jobs.overdue_at":   c.Jobs.OverdueAt,
		"jobs.reconcile_at": c.Jobs.ReconcileAt,
	} {
		if _, err := time.Parse("15:04", value); err != nil {
			return fmt.Errorf("invalid %s %q: expected HH:MM", name, value)
		}
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	return nil
}
