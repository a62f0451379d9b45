// Package config loads the tdvc configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"tdvc/internal/session"
)

// Config is the complete tdvc configuration.
type Config struct {
	Converter ConverterConfig `yaml:"converter"`
	Git       GitConfig       `yaml:"git"`
	Project   ProjectConfig   `yaml:"project"`
	Session   SessionConfig   `yaml:"session"`
	Cache     CacheConfig     `yaml:"cache"`
	Log       LogConfig       `yaml:"log"`
}

// ConverterConfig configures the external expand/collapse converter.
type ConverterConfig struct {
	Expand   string        `yaml:"expand"`
	Collapse string        `yaml:"collapse"`
	Timeout  time.Duration `yaml:"timeout"`
}

// GitConfig configures the revision-control backend.
type GitConfig struct {
	Binary      string        `yaml:"binary"`
	Remote      string        `yaml:"remote"`
	Timeout     time.Duration `yaml:"timeout"`
	DiffExclude []string      `yaml:"diff_exclude"`
}

// ProjectConfig configures project layout and merge behaviour.
type ProjectConfig struct {
	TrackerDir   string   `yaml:"tracker_dir"`
	Container    string   `yaml:"container"`
	MergeExclude []string `yaml:"merge_exclude"`
}

// SessionConfig locates the user session file.
type SessionConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig toggles the historical state cache.
type CacheConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultPath returns ~/.config/tdvc/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "tdvc", "config.yaml")
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandEnv() {
	c.Converter.Expand = os.ExpandEnv(c.Converter.Expand)
	c.Converter.Collapse = os.ExpandEnv(c.Converter.Collapse)
	c.Git.Binary = os.ExpandEnv(c.Git.Binary)
	c.Session.Path = os.ExpandEnv(c.Session.Path)
}

func (c *Config) applyDefaults() {
	if c.Converter.Expand == "" {
		c.Converter.Expand = "toeexpand"
	}
	if c.Converter.Collapse == "" {
		c.Converter.Collapse = "toecollapse"
	}
	if c.Converter.Timeout == 0 {
		c.Converter.Timeout = 2 * time.Minute
	}
	if c.Git.Binary == "" {
		c.Git.Binary = "git"
	}
	if c.Git.Remote == "" {
		c.Git.Remote = "origin"
	}
	if c.Git.Timeout == 0 {
		c.Git.Timeout = 5 * time.Minute
	}
	if c.Git.DiffExclude == nil {
		c.Git.DiffExclude = []string{"*.dir/local/**"}
	}
	if c.Project.TrackerDir == "" {
		c.Project.TrackerDir = ".tdvc"
	}
	if c.Project.MergeExclude == nil {
		c.Project.MergeExclude = []string{"state.json"}
	}
	if c.Session.Path == "" {
		c.Session.Path = session.DefaultPath()
	}
	if c.Cache.Enabled == nil {
		enabled := true
		c.Cache.Enabled = &enabled
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Converter.Timeout < 0 {
		return fmt.Errorf("converter.timeout must be positive")
	}
	if c.Git.Timeout < 0 {
		return fmt.Errorf("git.timeout must be positive")
	}
	if filepath.IsAbs(c.Project.TrackerDir) {
		return fmt.Errorf("project.tracker_dir must be relative to the project: %s", c.Project.TrackerDir)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn or error)", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log.format: %s (must be console or json)", c.Log.Format)
	}
	return nil
}

// CacheEnabled reports whether the historical state cache is on.
func (c *Config) CacheEnabled() bool {
	return c.Cache.Enabled == nil || *c.Cache.Enabled
}
