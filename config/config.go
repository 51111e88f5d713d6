// Package config loads the cashd runtime configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Database drivers supported by the settlement store.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config captures runtime configuration for cashd.
type Config struct {
	ListenAddress string         `yaml:"listen"`
	Environment   string         `yaml:"env"`
	Database      DatabaseConfig `yaml:"database"`
	Emission      EmissionConfig `yaml:"emission"`
}

// DatabaseConfig selects the settlement store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// EmissionConfig tunes the bonding-curve emission of Num/Den token units
// per second.
type EmissionConfig struct {
	Num int64 `yaml:"num"`
	Den int64 `yaml:"den"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	// Normalize once so every later comparison sees the canonical form.
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Database.Driver == DriverSQLite && cfg.Database.DSN == "" {
		cfg.Database.DSN = "/var/data/cashd.sqlite"
	}
	if cfg.Emission.Num == 0 {
		cfg.Emission.Num = 1
	}
	if cfg.Emission.Den == 0 {
		cfg.Emission.Den = 100
	}
}

func validate(cfg Config) error {
	switch cfg.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if cfg.Emission.Num < 0 || cfg.Emission.Den < 1 {
		return fmt.Errorf("emission rate %d/%d is invalid", cfg.Emission.Num, cfg.Emission.Den)
	}
	return nil
}
