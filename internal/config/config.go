// Package config loads the server configuration from ivory.yaml and
// IVORY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"ivory/internal/environment"
)

// Config is the full core-visible configuration surface.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Sessions    SessionsConfig    `mapstructure:"sessions" yaml:"sessions"`
	Agent       AgentConfig       `mapstructure:"agent" yaml:"agent"`
	Environment EnvironmentConfig `mapstructure:"environment" yaml:"environment"`
	Model       ModelConfig       `mapstructure:"model" yaml:"model"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig tunes the HTTP transport.
type ServerConfig struct {
	ListenAddr     string   `mapstructure:"listen_addr" yaml:"listen_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// SessionsConfig tunes the resident session table.
type SessionsConfig struct {
	MaxSessions     int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	SessionTimeout  time.Duration `mapstructure:"session_timeout" yaml:"session_timeout"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	CleanupEnabled  bool          `mapstructure:"cleanup_enabled" yaml:"cleanup_enabled"`
}

// AgentConfig tunes the turn loop and permission policy.
type AgentConfig struct {
	PermissionMode   string   `mapstructure:"permission_mode" yaml:"permission_mode"`
	PreApprovedTools []string `mapstructure:"pre_approved_tools" yaml:"pre_approved_tools"`
	MaxIterations    int      `mapstructure:"max_iterations" yaml:"max_iterations"`
	CachingEnabled   bool     `mapstructure:"caching_enabled" yaml:"caching_enabled"`
	SystemPrompt     string   `mapstructure:"system_prompt" yaml:"system_prompt"`
}

// EnvironmentConfig selects and parameterises the execution backend.
type EnvironmentConfig struct {
	DefaultKind    string `mapstructure:"default_kind" yaml:"default_kind"`
	WorkingRoot    string `mapstructure:"working_root" yaml:"working_root"`
	ContainerImage string `mapstructure:"container_image" yaml:"container_image"`
	ContainerName  string `mapstructure:"container_name" yaml:"container_name"`
	SandboxBaseURL string `mapstructure:"sandbox_base_url" yaml:"sandbox_base_url"`
}

// ModelConfig selects the LLM backend.
type ModelConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Name     string `mapstructure:"name" yaml:"name"`
}

// StorageConfig locates session persistence.
type StorageConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// LoggingConfig tunes diagnostic output.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file,omitempty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8420")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("sessions.max_sessions", 10)
	v.SetDefault("sessions.session_timeout", "30m")
	v.SetDefault("sessions.cleanup_interval", "5m")
	v.SetDefault("sessions.cleanup_enabled", true)

	v.SetDefault("agent.permission_mode", "interactive")
	v.SetDefault("agent.pre_approved_tools", []string{})
	v.SetDefault("agent.max_iterations", 10)
	v.SetDefault("agent.caching_enabled", true)
	v.SetDefault("agent.system_prompt", "")

	v.SetDefault("environment.default_kind", "local")
	v.SetDefault("environment.working_root", ".")
	v.SetDefault("environment.container_image", "ivory-workspace:latest")
	v.SetDefault("environment.container_name", "ivory-workspace")
	v.SetDefault("environment.sandbox_base_url", "")

	v.SetDefault("model.provider", "openai")
	v.SetDefault("model.base_url", "https://api.openai.com/v1")
	v.SetDefault("model.api_key", "")
	v.SetDefault("model.name", "gpt-4.1")

	v.SetDefault("storage.dir", "./.ivory/sessions")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
}

// Load reads configuration from the given file (optional), falling back to
// ivory.yaml in the working directory, then applies IVORY_* env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("IVORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("ivory")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.ivory")
		if err := v.ReadInConfig(); err != nil {
			// Absent file is fine; defaults plus env carry the day.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the core cannot run with.
func (c *Config) Validate() error {
	switch c.Agent.PermissionMode {
	case "auto", "interactive":
	default:
		return fmt.Errorf("agent.permission_mode must be auto or interactive, got %q", c.Agent.PermissionMode)
	}
	if err := environment.Kind(c.Environment.DefaultKind).Validate(); err != nil {
		return fmt.Errorf("environment.default_kind: %w", err)
	}
	if c.Sessions.MaxSessions <= 0 {
		return fmt.Errorf("sessions.max_sessions must be positive, got %d", c.Sessions.MaxSessions)
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	return nil
}

// Dump renders the effective configuration as YAML with the API key masked.
func (c *Config) Dump() (string, error) {
	clone := *c
	if clone.Model.APIKey != "" {
		clone.Model.APIKey = "********"
	}
	out, err := yaml.Marshal(&clone)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
