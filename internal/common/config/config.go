// Package config provides configuration management for the claudeacp agent.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the agent.
type Config struct {
	Backend Backend       `mapstructure:"backend"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Debug   DebugConfig   `mapstructure:"debug"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Journal JournalConfig `mapstructure:"journal"`
}

// Backend holds Claude Code CLI configuration. Every field is optional and
// applied when a session connects; unset fields inherit the CLI's defaults.
type Backend struct {
	// CLIPath is the claude binary to spawn (default: "claude", resolved via PATH).
	CLIPath string `mapstructure:"cliPath"`

	// ExtraArgs are appended verbatim to the CLI invocation.
	ExtraArgs []string `mapstructure:"extraArgs"`

	// BaseURL overrides the Anthropic API endpoint (ANTHROPIC_BASE_URL).
	BaseURL string `mapstructure:"baseUrl"`

	// APIKey authenticates against the API (ANTHROPIC_API_KEY).
	APIKey string `mapstructure:"apiKey"`

	// AuthToken is the bearer-token alternative to APIKey (ANTHROPIC_AUTH_TOKEN).
	AuthToken string `mapstructure:"authToken"`

	// Model selects the primary model (ANTHROPIC_MODEL).
	Model string `mapstructure:"model"`

	// SmallFastModel selects the background/fast model (ANTHROPIC_SMALL_FAST_MODEL).
	SmallFastModel string `mapstructure:"smallFastModel"`

	// MaxThinkingTokens caps the thinking budget per request (MAX_THINKING_TOKENS).
	MaxThinkingTokens int `mapstructure:"maxThinkingTokens"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry export configuration.
// An empty endpoint disables tracing entirely.
type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	ServiceName  string `mapstructure:"serviceName"`
}

// DebugConfig holds the optional debug HTTP server configuration.
type DebugConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`

	// McpEnabled exposes the MCP status tools on the debug listener.
	McpEnabled bool `mapstructure:"mcpEnabled"`
}

// NATSConfig holds the optional event tap configuration.
// An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// JournalConfig holds the optional sqlite turn journal configuration.
// An empty path disables journaling.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("CLAUDEACP_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Backend defaults - empty values inherit the CLI's own configuration
	v.SetDefault("backend.cliPath", "claude")
	v.SetDefault("backend.extraArgs", []string{})
	v.SetDefault("backend.baseUrl", "")
	v.SetDefault("backend.apiKey", "")
	v.SetDefault("backend.authToken", "")
	v.SetDefault("backend.model", "")
	v.SetDefault("backend.smallFastModel", "")
	v.SetDefault("backend.maxThinkingTokens", 0)

	// Logging defaults - stderr only, stdout carries the protocol
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	// Tracing defaults - disabled unless an endpoint is set
	v.SetDefault("tracing.otlpEndpoint", "")
	v.SetDefault("tracing.serviceName", "claudeacp")

	// Debug server defaults
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.host", "127.0.0.1")
	v.SetDefault("debug.port", 9388)
	v.SetDefault("debug.mcpEnabled", false)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "claudeacp")
	v.SetDefault("nats.maxReconnects", 10)

	// Journal defaults - disabled unless a path is set
	v.SetDefault("journal.path", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CLAUDEACP_ with snake_case naming;
// the standard ANTHROPIC_* variables are honored for the backend section.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CLAUDEACP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	// The ANTHROPIC_* family matches what the CLI itself reads, so users can
	// set one variable for both processes.
	_ = v.BindEnv("backend.cliPath", "CLAUDEACP_BACKEND_CLI_PATH", "CLAUDE_CLI_PATH")
	_ = v.BindEnv("backend.baseUrl", "CLAUDEACP_BACKEND_BASE_URL", "ANTHROPIC_BASE_URL")
	_ = v.BindEnv("backend.apiKey", "CLAUDEACP_BACKEND_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("backend.authToken", "CLAUDEACP_BACKEND_AUTH_TOKEN", "ANTHROPIC_AUTH_TOKEN")
	_ = v.BindEnv("backend.model", "CLAUDEACP_BACKEND_MODEL", "ANTHROPIC_MODEL")
	_ = v.BindEnv("backend.smallFastModel", "CLAUDEACP_BACKEND_SMALL_FAST_MODEL", "ANTHROPIC_SMALL_FAST_MODEL")
	_ = v.BindEnv("backend.maxThinkingTokens", "CLAUDEACP_BACKEND_MAX_THINKING_TOKENS", "MAX_THINKING_TOKENS")
	_ = v.BindEnv("debug.port", "CLAUDEACP_DEBUG_PORT")
	_ = v.BindEnv("journal.path", "CLAUDEACP_JOURNAL_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/claudeacp/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// Most fields are optional; the agent degrades to the CLI's own defaults.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Backend.CLIPath == "" {
		errs = append(errs, "backend.cliPath must not be empty")
	}
	if cfg.Backend.MaxThinkingTokens < 0 {
		errs = append(errs, "backend.maxThinkingTokens must not be negative")
	}

	if cfg.Debug.Enabled {
		if cfg.Debug.Port <= 0 || cfg.Debug.Port > 65535 {
			errs = append(errs, "debug.port must be between 1 and 65535")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}
	if cfg.Logging.OutputPath == "stdout" {
		errs = append(errs, "logging.outputPath must not be stdout: stdout carries the protocol stream")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
