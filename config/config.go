// Package config loads service configuration from YAML with sensible
// defaults for every field, so an empty file (or none at all) yields a
// runnable in-memory setup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	// Listen is the HTTP listen address of the gateway.
	Listen   string         `yaml:"listen"`
	LogLevel string         `yaml:"log_level"`
	Provider ProviderConfig `yaml:"provider"`
	Store    StoreConfig    `yaml:"store"`
	Agent    AgentConfig    `yaml:"agent"`
	Stream   StreamConfig   `yaml:"stream"`
}

// ProviderConfig selects and tunes the model backend.
type ProviderConfig struct {
	// Name is one of "openai", "anthropic" or "scripted".
	Name      string `yaml:"name"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
}

// StoreConfig selects the block store backend.
type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver"`
	// Path is the sqlite database file; ignored for memory.
	Path string `yaml:"path"`
}

// AgentConfig tunes the generation loop.
type AgentConfig struct {
	Instructions  string        `yaml:"instructions"`
	MaxIterations int           `yaml:"max_iterations"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
	// EnableBash registers the local shell tool. Off by default.
	EnableBash bool `yaml:"enable_bash"`
}

// StreamConfig tunes the multiplexer.
type StreamConfig struct {
	CoalesceInterval   time.Duration `yaml:"coalesce_interval"`
	SubscriptionBuffer int           `yaml:"subscription_buffer"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Listen:   ":8080",
		LogLevel: "info",
		Provider: ProviderConfig{Name: "openai"},
		Store:    StoreConfig{Driver: "memory", Path: "agentstream.db"},
		Agent: AgentConfig{
			MaxIterations: 20,
			ToolTimeout:   60 * time.Second,
		},
		Stream: StreamConfig{
			CoalesceInterval:   25 * time.Millisecond,
			SubscriptionBuffer: 256,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c Config) Validate() error {
	switch c.Provider.Name {
	case "openai", "anthropic", "scripted":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider.Name)
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("sqlite store requires a path")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive")
	}
	if c.Stream.CoalesceInterval <= 0 {
		return fmt.Errorf("coalesce_interval must be positive")
	}
	return nil
}
