// Package config loads runtime configuration from YAML files and
// AGENTLOOP_-prefixed environment variables, with defaults that work out of
// the box.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime settings.
type Config struct {
	Model    ModelConfig    `mapstructure:"model"`
	Loop     LoopConfig     `mapstructure:"loop"`
	Research ResearchConfig `mapstructure:"research"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ModelConfig selects and tunes the decision backend.
type ModelConfig struct {
	Provider    string  `mapstructure:"provider"` // "openai", "anthropic" or "mock"
	Name        string  `mapstructure:"name"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// LoopConfig tunes the control loop.
type LoopConfig struct {
	MaxModelCalls    int           `mapstructure:"max_model_calls"`
	ToolTimeout      time.Duration `mapstructure:"tool_timeout"`
	MaxParallelTools int           `mapstructure:"max_parallel_tools"`
	HistoryWindow    int           `mapstructure:"history_window"`
}

// ResearchConfig tunes the research batch executor.
type ResearchConfig struct {
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	KeywordTimeout time.Duration `mapstructure:"keyword_timeout"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or text
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:    "openai",
			Name:        "gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Loop: LoopConfig{
			MaxModelCalls:    10,
			ToolTimeout:      15 * time.Second,
			MaxParallelTools: 5,
			HistoryWindow:    6,
		},
		Research: ResearchConfig{
			MaxConcurrent:  4,
			KeywordTimeout: 2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
	}
}

// Load reads configuration from the given file path, falling back to an
// agentloop.yaml found in the working directory or ~/.agentloop. A missing
// config file is not an error. Environment variables with the AGENTLOOP_
// prefix override file values, e.g. AGENTLOOP_MODEL_PROVIDER=anthropic.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	cfg := Default()
	v.SetDefault("model", cfg.Model)
	v.SetDefault("loop", cfg.Loop)
	v.SetDefault("research", cfg.Research)
	v.SetDefault("logging", cfg.Logging)
	v.SetDefault("metrics", cfg.Metrics)

	v.SetEnvPrefix("AGENTLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agentloop")
		v.AddConfigPath(".")
		if homeDir, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".agentloop"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "openai", "anthropic", "mock":
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	if c.Loop.MaxModelCalls < 0 {
		return fmt.Errorf("loop.max_model_calls must not be negative, got %d", c.Loop.MaxModelCalls)
	}
	if c.Loop.ToolTimeout <= 0 {
		return fmt.Errorf("loop.tool_timeout must be positive, got %s", c.Loop.ToolTimeout)
	}
	if c.Loop.MaxParallelTools < 1 {
		return fmt.Errorf("loop.max_parallel_tools must be at least 1, got %d", c.Loop.MaxParallelTools)
	}
	if c.Loop.HistoryWindow < 1 {
		return fmt.Errorf("loop.history_window must be at least 1, got %d", c.Loop.HistoryWindow)
	}
	if c.Research.MaxConcurrent < 1 {
		return fmt.Errorf("research.max_concurrent must be at least 1, got %d", c.Research.MaxConcurrent)
	}
	if c.Research.KeywordTimeout <= 0 {
		return fmt.Errorf("research.keyword_timeout must be positive, got %s", c.Research.KeywordTimeout)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}
	return nil
}
