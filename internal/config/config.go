// Package config loads cspflow configuration from YAML with environment
// overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"cspflow/internal/driver"
)

// Config holds all cspflow configuration.
type Config struct {
	// Planner configuration
	Planner PlannerConfig `yaml:"planner"`

	// Browser configuration
	Browser driver.Config `yaml:"browser"`

	// Batch execution settings
	Batch BatchConfig `yaml:"batch"`

	// Reliability settings shared by all pipeline steps
	Reliability ReliabilityConfig `yaml:"reliability"`

	// Run history database
	History HistoryConfig `yaml:"history"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// PlannerConfig configures the instruction planner.
type PlannerConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// BatchConfig configures batch coordination.
type BatchConfig struct {
	Workers           int    `yaml:"workers"`
	SharedSession     bool   `yaml:"shared_session"`
	InterRequestPause string `yaml:"inter_request_pause"`

	// Password can be preset here; flags and the interactive prompt are
	// the fallbacks.
	Password string `yaml:"password"`

	// Defaults for expanding a bare branch name into a hierarchy.
	DefaultHierarchyRoot   string `yaml:"default_hierarchy_root"`
	DefaultHierarchyRegion string `yaml:"default_hierarchy_region"`

	// ScopeOnlyLegacyBranch updates only the scope field, for consoles
	// that no longer carry the bank user field.
	ScopeOnlyLegacyBranch bool `yaml:"scope_only_legacy_branch"`
}

// ReliabilityConfig configures retries, guards and the circuit breaker.
type ReliabilityConfig struct {
	MaxRetries      int    `yaml:"max_retries"`
	StartRetries    int    `yaml:"start_retries"`
	ActionCeiling   int    `yaml:"action_ceiling"`
	BreakerFailures int    `yaml:"breaker_failures"`
	BreakerCooldown string `yaml:"breaker_cooldown"`
	WaitTimeout     string `yaml:"wait_timeout"`
	WaitInterval    string `yaml:"wait_interval"`
}

// HistoryConfig configures the run history database.
type HistoryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Planner: PlannerConfig{
			Model: "gemini-2.0-flash",
		},
		Browser: driver.DefaultConfig(),
		Batch: BatchConfig{
			Workers:                1,
			InterRequestPause:      "3s",
			DefaultHierarchyRoot:   "VIB Bank",
			DefaultHierarchyRegion: "North",
		},
		Reliability: ReliabilityConfig{
			MaxRetries:      5,
			StartRetries:    3,
			ActionCeiling:   50,
			BreakerFailures: 3,
			BreakerCooldown: "60s",
			WaitTimeout:     "30s",
			WaitInterval:    "2s",
		},
		History: HistoryConfig{
			Enabled:      true,
			DatabasePath: "data/cspflow.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Planner key, checked in priority order.
	if key := os.Getenv("CSPFLOW_API_KEY"); key != "" {
		c.Planner.APIKey = key
	}
	if c.Planner.APIKey == "" {
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			c.Planner.APIKey = key
		} else if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
			c.Planner.APIKey = key
		}
	}

	if model := os.Getenv("CSPFLOW_MODEL"); model != "" {
		c.Planner.Model = model
	}
	if headless := os.Getenv("CSPFLOW_HEADLESS"); headless != "" {
		if v, err := strconv.ParseBool(headless); err == nil {
			c.Browser.Headless = v
		}
	}
	if workers := os.Getenv("CSPFLOW_WORKERS"); workers != "" {
		if v, err := strconv.Atoi(workers); err == nil && v > 0 {
			c.Batch.Workers = v
		}
	}
	if pw := os.Getenv("CSPFLOW_PASSWORD"); pw != "" {
		c.Batch.Password = pw
	}
	if path := os.Getenv("CSPFLOW_DB"); path != "" {
		c.History.DatabasePath = path
	}
}

// InterRequestPause returns the pause between sequential requests.
func (c *Config) InterRequestPause() time.Duration {
	d, err := time.ParseDuration(c.Batch.InterRequestPause)
	if err != nil {
		return 3 * time.Second
	}
	return d
}

// BreakerCooldown returns the circuit breaker cooldown.
func (c *Config) BreakerCooldown() time.Duration {
	d, err := time.ParseDuration(c.Reliability.BreakerCooldown)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// WaitTimeout returns the page-settle polling ceiling.
func (c *Config) WaitTimeout() time.Duration {
	d, err := time.ParseDuration(c.Reliability.WaitTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// WaitInterval returns the page-settle polling interval.
func (c *Config) WaitInterval() time.Duration {
	d, err := time.ParseDuration(c.Reliability.WaitInterval)
	if err != nil {
		return 2 * time.Second
	}
	return d
}
