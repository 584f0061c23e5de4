// Package config loads and validates the relay configuration.
//
// DESIGN: Configuration comes from a YAML file with ${VAR:-default}
// environment expansion, so API keys never live in the file itself.
// Validation is explicit and runs at load time; a relay that boots is a
// relay with a usable config.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mygpt/chat-relay/internal/monitoring"
)

// Config is the root configuration for the chat relay.
type Config struct {
	Server     ServerConfig     `yaml:"server"`     // HTTP server settings
	Providers  ProvidersConfig  `yaml:"providers"`  // upstream API keys and URL overrides
	Chat       ChatConfig       `yaml:"chat"`       // history window and generation caps
	Encryption EncryptionConfig `yaml:"encryption"` // at-rest encryption salt
	Store      StoreConfig      `yaml:"store"`      // persistence engine
	Monitoring MonitoringConfig `yaml:"monitoring"` // logging
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`          // Port to listen on
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // Max time to read request
	WriteTimeout time.Duration `yaml:"write_timeout"` // Max time to write response; 0 = unlimited (SSE)
}

// ProvidersConfig holds per-provider credentials. URL overrides exist for
// tests and proxy deployments; empty means the provider default.
type ProvidersConfig struct {
	OpenAIKey    string `yaml:"openai_api_key"`
	AnthropicKey string `yaml:"anthropic_api_key"`
	OpenAIURL    string `yaml:"openai_url"`
	AnthropicURL string `yaml:"anthropic_url"`
}

// ChatConfig tunes the relay itself.
type ChatConfig struct {
	// MaxHistoryRounds is the sliding-window size in rounds (one round =
	// user turn + assistant turn). Per-request overrides take precedence
	// for that call only.
	MaxHistoryRounds int `yaml:"max_history_rounds"`

	// MaxTokens caps generation for providers that need an explicit cap.
	MaxTokens int `yaml:"max_tokens"`
}

// EncryptionConfig controls the at-rest encryption gate.
// An empty salt disables encryption: rows are stored in plaintext.
type EncryptionConfig struct {
	Salt string `yaml:"salt"`
}

// StoreConfig selects the persistence engine.
type StoreConfig struct {
	Type string `yaml:"type"` // "memory" or "sqlite"
	Path string `yaml:"path"` // sqlite database file
}

// MonitoringConfig wraps the logger settings.
type MonitoringConfig struct {
	Logging monitoring.LoggerConfig `yaml:"logging"`
}

// expandEnvWithDefaults expands environment variables with support for
// default values. Supports both ${VAR} and ${VAR:-default} syntax.
func expandEnvWithDefaults(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes, applies defaults
// and validates.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills the knobs that have sensible fixed defaults.
func (c *Config) applyDefaults() {
	if c.Chat.MaxHistoryRounds == 0 {
		c.Chat.MaxHistoryRounds = 20
	}
	if c.Chat.MaxTokens == 0 {
		c.Chat.MaxTokens = 8192
	}
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ReadTimeout == 0 {
		return fmt.Errorf("server.read_timeout is required")
	}

	if c.Providers.OpenAIKey == "" && c.Providers.AnthropicKey == "" {
		return fmt.Errorf("at least one provider api key is required")
	}

	if c.Chat.MaxHistoryRounds < 0 {
		return fmt.Errorf("invalid chat.max_history_rounds: %d", c.Chat.MaxHistoryRounds)
	}

	switch c.Store.Type {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unknown store.type: %q (must be memory or sqlite)", c.Store.Type)
	}

	return nil
}
