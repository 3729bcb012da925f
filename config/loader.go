package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "propd.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/propd"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Environment variables read after the config files.
const (
	EnvNATSURL     = "PROPD_NATS_URL"
	EnvNATSURLStd  = "NATS_URL"
	EnvEngineID    = "PROPD_ENGINE_ID"
	EnvLogLevel    = "PROPD_LOG_LEVEL"
	EnvStorage     = "PROPD_STORAGE_BACKEND"
	EnvDirectory   = "PROPD_DIRECTORY_PATH"
	EnvScriptsDir  = "PROPD_SCRIPTS_DIR"
	EnvEnforceRule = "PROPD_ENFORCE_RULES"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger

	// ExplicitPath is a config file named on the command line.
	ExplicitPath string
	// EnvFile is loaded into the process environment before overrides apply.
	EnvFile string
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger, EnvFile: ".env"}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/propd/config.yaml)
// 3. Project config (propd.yaml in current or parent directories)
// 4. Explicit config file (--config)
// 5. Environment variables, after an optional .env file
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	// Load user config
	userConfigPath := l.userConfigPath()
	if userConfigPath != "" {
		if err := config.apply(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		} else if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	// Load project config
	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if err := config.apply(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	// An explicit file must load
	if l.ExplicitPath != "" {
		if err := config.apply(l.ExplicitPath); err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config file", slog.String("path", l.ExplicitPath))
	}

	if l.EnvFile != "" {
		if err := godotenv.Load(l.EnvFile); err == nil {
			l.logger.Debug("Loaded env file", slog.String("path", l.EnvFile))
		}
	}
	l.applyEnv(config)

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv overrides config values from the environment.
func (l *Loader) applyEnv(c *Config) {
	url := os.Getenv(EnvNATSURL)
	if url == "" {
		url = os.Getenv(EnvNATSURLStd)
	}
	if url != "" {
		c.NATS.URL = url
		c.NATS.Embedded = false
	}
	if v := os.Getenv(EnvEngineID); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			c.Engine.ID = id
		} else {
			l.logger.Warn("Ignoring non-numeric engine id", slog.String("env", EnvEngineID), slog.String("value", v))
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvStorage); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv(EnvDirectory); v != "" {
		c.Dispatcher.DirectoryPath = v
	}
	if v := os.Getenv(EnvScriptsDir); v != "" {
		c.Engine.ScriptsDir = v
	}
	if v := os.Getenv(EnvEnforceRule); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Dispatcher.EnforceRules = b
		}
	}
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for propd.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}
