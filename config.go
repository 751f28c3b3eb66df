package nova

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "90s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// SandboxConfig controls the containerized exec tool.
type SandboxConfig struct {
	Enabled bool   `yaml:"enabled"`
	Image   string `yaml:"image"`
}

// Config is the engine configuration loaded from gonova.yaml.
type Config struct {
	Model            string        `yaml:"model"`
	MaxSteps         int           `yaml:"max_steps"`
	MaxDepth         int           `yaml:"max_depth"`
	Workers          int           `yaml:"workers"`
	TokenBudget      int           `yaml:"token_budget"`
	ObservationLimit int           `yaml:"observation_limit"`
	TaskTimeout      Duration      `yaml:"task_timeout"`
	SubTaskTimeout   Duration      `yaml:"subtask_timeout"`
	StorePath        string        `yaml:"store_path"`
	Sandbox          SandboxConfig `yaml:"sandbox"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxSteps:         DefaultMaxSteps,
		MaxDepth:         DefaultMaxDepth,
		Workers:          DefaultParallelWorkers,
		TokenBudget:      DefaultTokenBudget,
		ObservationLimit: DefaultObservationTokens,
		TaskTimeout:      Duration(DefaultTaskTimeout),
		SubTaskTimeout:   Duration(DefaultSubTaskTimeout),
		Sandbox: SandboxConfig{
			Image: "alpine:latest",
		},
	}
}

// LoadConfig reads a YAML config file, layering it over the defaults.
// A missing file is not an error: the defaults are returned.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.MaxSteps < 1 {
		return fmt.Errorf("max_steps must be at least 1")
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("max_depth must not be negative")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	return nil
}

// Options converts the config into orchestrator options.
func (c *Config) Options() []Option {
	return []Option{
		WithDefaultMaxSteps(c.MaxSteps),
		WithMaxDepth(c.MaxDepth),
		WithWorkers(c.Workers),
		WithDefaultTokenBudget(c.TokenBudget),
		WithObservationLimit(c.ObservationLimit),
		WithDefaultTimeout(time.Duration(c.TaskTimeout)),
		WithSubTaskTimeout(time.Duration(c.SubTaskTimeout)),
	}
}
