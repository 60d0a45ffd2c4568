package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/aristath/swarm/internal/scheduler"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.swarm/config.json
// Project: .swarm/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	return Load(GlobalPath(homeDir), ProjectPath())
}

// GlobalPath returns the per-user config file under homeDir.
func GlobalPath(homeDir string) string {
	return filepath.Join(homeDir, ".swarm", "config.json")
}

// ProjectPath returns the per-project config file relative to the cwd.
func ProjectPath() string {
	return filepath.Join(".swarm", "config.json")
}

// mergeConfigFile decodes a JSON file over base. Fields absent from the file
// keep their current value; worker entries are replaced per type.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Override keys understood by ApplyOverrides. Flags use the same names, and
// environment variables are the upper-cased name with a SWARM_ prefix
// (SWARM_MAX_RETRIES).
const (
	KeyProject    = "project"
	KeyDB         = "db"
	KeyCapacity   = "capacity"
	KeyMaxRetries = "max-retries"
	KeyListen     = "listen"
	KeyLogLevel   = "log-level"
	KeyLogFormat  = "log-format"
)

// NewViper returns a viper instance reading SWARM_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("swarm")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyOverrides copies every key explicitly set in v (changed flag or
// environment variable) over the file configuration.
func (c *Config) ApplyOverrides(v *viper.Viper) {
	if v.IsSet(KeyProject) {
		c.ProjectID = v.GetInt(KeyProject)
	}
	if v.IsSet(KeyDB) {
		c.Database.Path = v.GetString(KeyDB)
	}
	if v.IsSet(KeyCapacity) {
		c.Scheduler.Capacity = v.GetInt(KeyCapacity)
	}
	if v.IsSet(KeyMaxRetries) {
		c.Scheduler.MaxRetries = v.GetInt(KeyMaxRetries)
	}
	if v.IsSet(KeyListen) {
		c.Feed.Listen = v.GetString(KeyListen)
	}
	if v.IsSet(KeyLogLevel) {
		c.Log.Level = v.GetString(KeyLogLevel)
	}
	if v.IsSet(KeyLogFormat) {
		c.Log.Format = v.GetString(KeyLogFormat)
	}
}

// Validate checks the configuration for values the scheduler cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.Capacity < 1 {
		errs = append(errs, fmt.Errorf("scheduler.capacity must be at least 1, got %d", c.Scheduler.Capacity))
	}
	if c.Scheduler.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_retries must be at least 1, got %d", c.Scheduler.MaxRetries))
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier))
	}
	if c.Retry.RandomizationFactor < 0 || c.Retry.RandomizationFactor > 1 {
		errs = append(errs, fmt.Errorf("retry.randomization_factor must be in [0, 1], got %g", c.Retry.RandomizationFactor))
	}
	if c.Execution.Timeout < 0 {
		errs = append(errs, errors.New("execution.timeout must not be negative"))
	}
	for name, w := range c.Workers {
		if !scheduler.WorkerType(name).Valid() {
			errs = append(errs, fmt.Errorf("workers.%s: unknown worker type", name))
		}
		if w.Command == "" {
			errs = append(errs, fmt.Errorf("workers.%s: command is required", name))
		}
	}
	if c.DefaultWorkerType != "" && !scheduler.WorkerType(c.DefaultWorkerType).Valid() {
		errs = append(errs, fmt.Errorf("default_worker_type %q is not a known worker type", c.DefaultWorkerType))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
