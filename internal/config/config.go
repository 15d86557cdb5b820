package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all karma service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Karma    KarmaConfig    `yaml:"karma"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Backend string `yaml:"backend"` // "sqlite" or "badger"
	Path    string `yaml:"path"`    // resolved at runtime when empty
}

// KarmaConfig is the scoring engine's tuning surface.
type KarmaConfig struct {
	CooldownSeconds      int    `yaml:"cooldown_seconds"`       // 0 disables
	LinkThreshold        int64  `yaml:"link_threshold"`         // 0 disables
	Decay                bool   `yaml:"decay"`
	DecayIntervalSeconds int    `yaml:"decay_interval_seconds"`
	TermPattern          string `yaml:"term_pattern"` // empty = built-in default
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 38080,
		},
		Database: DatabaseConfig{
			Backend: "sqlite",
		},
		Karma: KarmaConfig{
			CooldownSeconds:      300,
			LinkThreshold:        10,
			Decay:                false,
			DecayIntervalSeconds: 24 * 60 * 60,
		},
	}
}

// Load reads a YAML config file, filling unset fields with defaults.
// A missing file is not an error: defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// CooldownTTL returns the per (user, term) cooldown duration, 0 if disabled.
func (k KarmaConfig) CooldownTTL() time.Duration {
	return time.Duration(k.CooldownSeconds) * time.Second
}

// DecayInterval returns the decay window duration.
func (k KarmaConfig) DecayInterval() time.Duration {
	return time.Duration(k.DecayIntervalSeconds) * time.Second
}
