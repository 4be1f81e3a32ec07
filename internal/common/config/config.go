// Package config provides configuration management for codexd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for codexd.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	State   StateConfig   `mapstructure:"state"`
	Codex   CodexConfig   `mapstructure:"codex"`
	Events  EventsConfig  `mapstructure:"events"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"` // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

// StateConfig holds the on-disk state directory configuration.
type StateConfig struct {
	// Dir is the root state directory. Empty means ~/.codexd.
	Dir string `mapstructure:"dir"`
}

// CodexConfig holds Codex app-server runtime configuration.
type CodexConfig struct {
	// Enabled controls whether the Codex runtime subprocess is managed.
	// When false, run creation is rejected and /health reports "disabled".
	Enabled bool `mapstructure:"enabled"`

	// Command is the Codex executable (default "codex").
	Command string `mapstructure:"command"`

	// AppServerArgs are the arguments that start the app-server transport.
	AppServerArgs []string `mapstructure:"appServerArgs"`

	// Model, Effort, Sandbox, ApprovalPolicy are per-run defaults applied
	// when a CreateRun request leaves them empty.
	Model          string `mapstructure:"model"`
	Effort         string `mapstructure:"effort"`
	Sandbox        string `mapstructure:"sandbox"`
	ApprovalPolicy string `mapstructure:"approvalPolicy"`

	// RestartBackoff is the delay before respawning a faulted app-server, seconds.
	RestartBackoff int `mapstructure:"restartBackoff"`

	// ExperimentalApi opts the app-server handshake into experimental methods.
	ExperimentalApi bool `mapstructure:"experimentalApi"`
}

// EventsConfig holds event persistence configuration.
type EventsConfig struct {
	// PersistRaw enables the per-run raw envelope log (events.jsonl).
	// The derived rollup log is always written.
	PersistRaw bool `mapstructure:"persistRaw"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// RequireAuth enforces the bearer token from identity.json on every endpoint.
	RequireAuth bool `mapstructure:"requireAuth"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RestartBackoffDuration returns the runtime restart backoff as a time.Duration.
func (c *CodexConfig) RestartBackoffDuration() time.Duration {
	return time.Duration(c.RestartBackoff) * time.Second
}

// StateDir resolves the configured state directory, expanding the
// ~/.codexd default when unset.
func (s *StateConfig) StateDir() (string, error) {
	if s.Dir != "" {
		return s.Dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".codexd"), nil
}

// detectDefaultLogFormat returns "json" in production-looking environments
// and "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CODEXD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults: loopback only, this is a per-host daemon.
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7311)
	v.SetDefault("server.readTimeout", 30)
	// SSE responses are long-lived; 0 disables the write deadline.
	v.SetDefault("server.writeTimeout", 0)

	v.SetDefault("state.dir", "")

	v.SetDefault("codex.enabled", true)
	v.SetDefault("codex.command", "codex")
	v.SetDefault("codex.appServerArgs", []string{"app-server"})
	v.SetDefault("codex.model", "")
	v.SetDefault("codex.effort", "")
	v.SetDefault("codex.sandbox", "")
	v.SetDefault("codex.approvalPolicy", "")
	v.SetDefault("codex.restartBackoff", 2)
	v.SetDefault("codex.experimentalApi", false)

	v.SetDefault("events.persistRaw", true)

	v.SetDefault("auth.requireAuth", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CODEXD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or in ~/.codexd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CODEXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for camelCase config keys whose env var naming
	// differs from what AutomaticEnv derives.
	_ = v.BindEnv("state.dir", "CODEXD_STATE_DIR")
	_ = v.BindEnv("events.persistRaw", "CODEXD_EVENTS_PERSIST_RAW")
	_ = v.BindEnv("auth.requireAuth", "CODEXD_AUTH_REQUIRE_AUTH")
	_ = v.BindEnv("codex.appServerArgs", "CODEXD_CODEX_APP_SERVER_ARGS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".codexd"))
	}

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Codex.Enabled && cfg.Codex.Command == "" {
		errs = append(errs, "codex.command is required when codex.enabled is true")
	}
	if cfg.Codex.RestartBackoff < 0 {
		errs = append(errs, "codex.restartBackoff must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
