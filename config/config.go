// Package config provides configuration loading and management for propd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/propd/processor/dispatcher"
	"github.com/c360studio/propd/processor/engine"
	"github.com/c360studio/propd/storage"
)

// Config represents the complete propd configuration
type Config struct {
	Log        LogConfig         `yaml:"log"`
	NATS       NATSConfig        `yaml:"nats"`
	Storage    StorageConfig     `yaml:"storage"`
	Dispatcher dispatcher.Config `yaml:"dispatcher"`
	Engine     engine.Config     `yaml:"engine"`
}

// LogConfig configures logging
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// StoreDir is the JetStream store of the embedded server (empty = temporary)
	StoreDir string `yaml:"store_dir"`
	// Name is the client connection name
	Name string `yaml:"name"`
}

// StorageConfig selects the task repository backend
type StorageConfig struct {
	// Backend is "kv" (NATS KV) or "sqlite"
	Backend string `yaml:"backend"`
	// SQLitePath is the database file of the sqlite backend
	SQLitePath string `yaml:"sqlite_path"`
}

// Options converts the section to repository options.
func (s StorageConfig) Options() storage.Options {
	return storage.Options{Backend: s.Backend, SQLitePath: s.SQLitePath}
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
			Name:     "propd",
		},
		Storage: StorageConfig{
			Backend:    storage.BackendKV,
			SQLitePath: "propd.db",
		},
		Dispatcher: dispatcher.DefaultConfig(),
		Engine:     engine.DefaultConfig(),
	}
}

// Validate checks the sections every daemon needs. The dispatcher and engine
// sections are validated by the daemon that uses them.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.NATS.URL == "" && !c.NATS.Embedded {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}
	switch c.Storage.Backend {
	case storage.BackendKV:
	case storage.BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := config.apply(path); err != nil {
		return nil, err
	}
	return config, nil
}

// apply overlays the keys present in the YAML file at path.
func (c *Config) apply(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// A layer naming a server URL switches off the embedded server unless
	// it says otherwise.
	var probe struct {
		NATS struct {
			URL      string `yaml:"url"`
			Embedded *bool  `yaml:"embedded"`
		} `yaml:"nats"`
	}
	if err := yaml.Unmarshal(data, &probe); err == nil && probe.NATS.URL != "" && probe.NATS.Embedded == nil {
		c.NATS.Embedded = false
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
