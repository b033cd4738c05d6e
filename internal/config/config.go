// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads Nika's configuration: provider credentials and
// model tiers, and logging behavior.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	nikaerrors "github.com/nikaeng/nika/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete Nika configuration.
type Config struct {
	// Version indicates the config format version (1 = initial public release)
	Version int `yaml:"version,omitempty" json:"version,omitempty"`

	Log LogConfig `yaml:"log"`

	// Multi-provider configuration
	Providers                ProvidersMap  `yaml:"providers,omitempty" json:"providers,omitempty"`
	AgentMappings            AgentMappings `yaml:"agent_mappings,omitempty" json:"agent_mappings,omitempty"`
	AcknowledgedDefaults     []string      `yaml:"acknowledged_defaults,omitempty" json:"acknowledged_defaults,omitempty"`
	SuppressUnmappedWarnings bool          `yaml:"suppress_unmapped_warnings,omitempty" json:"suppress_unmapped_warnings,omitempty"`

	// Tiers maps abstract tier names to specific provider/model references.
	// Format: "provider/model" (e.g., "anthropic/claude-3-5-haiku-20241022")
	// Supported tiers: fast, balanced, strategic
	Tiers map[string]string `yaml:"tiers,omitempty" json:"tiers,omitempty"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:     "info",
			Format:    "json",
			AddSource: false,
		},
	}
}

// ConfigPath returns the default configuration file location,
// ~/.config/nika/config.yaml (or $XDG_CONFIG_HOME/nika/config.yaml).
func ConfigPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "nika", "config.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "nika", "config.yaml"), nil
}

// Load loads configuration from environment variables and optionally from a YAML file.
// Environment variables take precedence over file-based configuration.
// If configPath is empty, the default config file (see ConfigPath) is read
// when it exists; otherwise only environment variables are used.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	// If no config path provided, try the default config file
	if configPath == "" {
		defaultPath, err := ConfigPath()
		if err == nil {
			// Check if default config exists
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				configPath = defaultPath
			}
		}
	}

	// Load from file if path provided or found
	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &nikaerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Apply defaults to any zero values (handles minimal configs)
	cfg.applyDefaults()

	// Override with environment variables
	cfg.loadFromEnv()

	// If no providers were configured explicitly, fall back to environment
	// detection: the first vendor whose credentials are present in the
	// environment, in priority order.
	if len(cfg.Providers) == 0 {
		cfg.Providers = autoDetectProviders()
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, &nikaerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// LoadWithSecrets loads configuration and resolves all secret references.
// It returns the config and any warnings about plaintext API keys.
func LoadWithSecrets(configPath string) (*Config, []string, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	// Resolve all secret references in providers
	ctx := context.Background()
	warnings, err := ResolveSecretsInProviders(ctx, cfg.Providers)
	if err != nil {
		return nil, nil, &nikaerrors.ConfigError{
			Key:    "secrets",
			Reason: "failed to resolve secret references",
			Cause:  err,
		}
	}

	return cfg, warnings, nil
}

// Save writes cfg as YAML to path, creating its parent directory if needed.
// Used by the interactive `nika provider add` setup command.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// applyDefaults fills in zero values with sensible defaults.
// This allows minimal configs (e.g., just providers) to work without
// specifying all fields explicitly.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}
}

// autoDetectProviders builds a ProvidersMap from well-known environment
// variables when the user hasn't configured any providers explicitly. It
// walks the vendor priority order from the spec (Claude, then OpenAI, then
// Ollama) and registers every vendor whose credentials it finds, so that
// a workflow's explicit per-task `provider:` override still has something
// to resolve against even when it isn't the first vendor detected.
func autoDetectProviders() ProvidersMap {
	providers := ProvidersMap{}

	if _, err := exec.LookPath("claude"); err == nil {
		providers["claude-code"] = ProviderConfig{Type: "claude-code"}
	} else if _, err := exec.LookPath("claude-code"); err == nil {
		providers["claude-code"] = ProviderConfig{Type: "claude-code"}
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		providers["anthropic"] = ProviderConfig{Type: "anthropic", APIKey: key}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		providers["openai"] = ProviderConfig{Type: "openai", APIKey: key}
	}
	if base := os.Getenv("OLLAMA_API_BASE_URL"); base != "" {
		providers["ollama"] = ProviderConfig{Type: "ollama", BaseURL: base}
	}

	return providers
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	// Validate log configuration
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	// Validate each provider configuration
	for name, provider := range c.Providers {
		if provider.Type == "" {
			errs = append(errs, fmt.Sprintf("provider %q must have a type field", name))
		}
		// Note: Additional provider-specific validation will be done by provider implementations
	}

	// Validate agent mappings reference valid providers
	for agent, provider := range c.AgentMappings {
		if _, exists := c.Providers[provider]; !exists {
			errs = append(errs, fmt.Sprintf("agent_mappings[%q] references unknown provider %q. Available: %v", agent, provider, keysOf(c.Providers)))
		}
	}

	// Validate tier mappings
	tierErrs := c.ValidateTiers()
	for _, tierErr := range tierErrs {
		errs = append(errs, tierErr.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

// keysOf returns the keys of a ProvidersMap as a slice
func keysOf(m ProvidersMap) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// vendorPriority mirrors the spec's auto-selection order: the first
// configured vendor in this list wins when no tier or explicit default
// names one.
var vendorPriority = []string{"claude-code", "anthropic", "openai", "ollama"}

// GetPrimaryProvider returns the primary provider name from tiers or first available provider.
// It checks tiers in priority order: balanced, fast, strategic.
// If no tiers are configured, it falls back to the spec's vendor priority
// order, then to the first provider name alphabetically for determinism.
// Returns empty string if no providers are configured.
func (c *Config) GetPrimaryProvider() string {
	// Check tiers in priority order
	for _, tier := range []string{"balanced", "fast", "strategic"} {
		if tierRef, ok := c.Tiers[tier]; ok {
			if idx := strings.Index(tierRef, "/"); idx > 0 {
				return tierRef[:idx]
			}
		}
	}

	for _, name := range vendorPriority {
		if _, ok := c.Providers[name]; ok {
			return name
		}
	}

	// Fallback to first provider alphabetically (deterministic ordering)
	if len(c.Providers) > 0 {
		names := make([]string, 0, len(c.Providers))
		for name := range c.Providers {
			names = append(names, name)
		}
		sort.Strings(names)
		return names[0]
	}

	return ""
}
