package engine

import (
	"fmt"
	"time"
)

// Config holds configuration for the engine component.
type Config struct {
	// ID is the engine id the dispatcher routes tasks by. Must be positive.
	ID int `json:"id" yaml:"id"`

	// ScriptsDir holds the gen/ and send/ script directories.
	ScriptsDir string `json:"scripts_dir" yaml:"scripts_dir"`

	// WorkDir is the working directory of every script, empty for the process cwd.
	WorkDir string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`

	// GenPoolSize bounds concurrently admitted generate scripts.
	GenPoolSize int `json:"gen_pool_size" yaml:"gen_pool_size"`

	// SendPoolSize bounds concurrently admitted send scripts.
	SendPoolSize int `json:"send_pool_size" yaml:"send_pool_size"`

	// ScriptTimeout applies to scripts of services without their own timeout.
	ScriptTimeout string `json:"script_timeout" yaml:"script_timeout"`

	// ReportTimeout bounds one control message publish.
	ReportTimeout string `json:"report_timeout" yaml:"report_timeout"`

	// StatusAddr is the listen address of the status API, empty to disable it.
	StatusAddr string `json:"status_addr" yaml:"status_addr"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		ScriptsDir:    "scripts",
		GenPoolSize:   10,
		SendPoolSize:  40,
		ScriptTimeout: "30m",
		ReportTimeout: "5s",
		StatusAddr:    ":8481",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ID <= 0 {
		return fmt.Errorf("engine id must be positive, got %d", c.ID)
	}
	if c.ScriptsDir == "" {
		return fmt.Errorf("scripts_dir is required")
	}
	if c.GenPoolSize < 1 {
		return fmt.Errorf("gen_pool_size must be at least 1")
	}
	if c.SendPoolSize < 1 {
		return fmt.Errorf("send_pool_size must be at least 1")
	}
	if c.ScriptTimeout != "" {
		if _, err := time.ParseDuration(c.ScriptTimeout); err != nil {
			return fmt.Errorf("invalid script_timeout: %w", err)
		}
	}
	if c.ReportTimeout != "" {
		if _, err := time.ParseDuration(c.ReportTimeout); err != nil {
			return fmt.Errorf("invalid report_timeout: %w", err)
		}
	}
	return nil
}

// GetScriptTimeout returns the default script timeout. Returns default 30m if parsing fails.
func (c *Config) GetScriptTimeout() time.Duration {
	if c.ScriptTimeout == "" {
		return 30 * time.Minute
	}
	d, err := time.ParseDuration(c.ScriptTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// GetReportTimeout returns the control message publish timeout. Returns default 5s if parsing fails.
func (c *Config) GetReportTimeout() time.Duration {
	if c.ReportTimeout == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(c.ReportTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}
