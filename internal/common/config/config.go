// Package config provides configuration management for AgentDeck.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for AgentDeck.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Data        DataConfig        `mapstructure:"data"`
	Agent       AgentConfig       `mapstructure:"agent"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Projects    ProjectsConfig    `mapstructure:"projects"`
	MCP         MCPConfig         `mapstructure:"mcp"`
	Permissions PermissionsConfig `mapstructure:"permissions"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DataConfig holds on-disk layout configuration. Session directories
// (message logs and state documents) live under Dir.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// AgentConfig holds agent subprocess configuration.
type AgentConfig struct {
	// Binary is the agent CLI executable (resolved via PATH if not absolute).
	Binary string `mapstructure:"binary"`

	// DefaultModel is passed to the agent when the session does not name one.
	DefaultModel string `mapstructure:"defaultModel"`

	// StartupTimeout bounds the wait for the agent's init message, in seconds.
	StartupTimeout int `mapstructure:"startupTimeout"`

	// InterruptDrainTimeout bounds the wait for an interrupted turn to wind
	// down before the process is released, in seconds.
	InterruptDrainTimeout int `mapstructure:"interruptDrainTimeout"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ProjectsConfig holds project catalogue storage configuration.
type ProjectsConfig struct {
	// Driver is sqlite3 (default) or pgx.
	Driver string `mapstructure:"driver"`

	// Path is the SQLite database file; empty means <data.dir>/agentdeck.db.
	Path string `mapstructure:"path"`

	// DSN is the PostgreSQL connection string, required when driver is pgx.
	DSN string `mapstructure:"dsn"`

	MaxConns int `mapstructure:"maxConns"`
	MinConns int `mapstructure:"minConns"`
}

// MCPConfig holds the optional MCP tool-surface configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// PermissionsConfig holds permission broker configuration.
type PermissionsConfig struct {
	// AutoDenyTimeout denies a pending permission request after this many
	// seconds without a user decision. Zero disables the timer.
	AutoDenyTimeout int `mapstructure:"autoDenyTimeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level           string   `mapstructure:"level"`
	Format          string   `mapstructure:"format"`
	OutputPath      string   `mapstructure:"outputPath"`
	DebugComponents []string `mapstructure:"debugComponents"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StartupTimeoutDuration returns the agent startup timeout as a time.Duration.
func (a *AgentConfig) StartupTimeoutDuration() time.Duration {
	return time.Duration(a.StartupTimeout) * time.Second
}

// InterruptDrainDuration returns the interrupt drain timeout as a time.Duration.
func (a *AgentConfig) InterruptDrainDuration() time.Duration {
	return time.Duration(a.InterruptDrainTimeout) * time.Second
}

// AutoDenyDuration returns the auto-deny timeout as a time.Duration.
// Zero means the timer is disabled.
func (p *PermissionsConfig) AutoDenyDuration() time.Duration {
	return time.Duration(p.AutoDenyTimeout) * time.Second
}

// SQLitePath returns the SQLite database path, defaulting under dataDir.
func (p *ProjectsConfig) SQLitePath(dataDir string) string {
	if p.Path != "" {
		return p.Path
	}
	return dataDir + "/agentdeck.db"
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("AGENTDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Data defaults
	v.SetDefault("data.dir", "./data")

	// Agent defaults
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.defaultModel", "")
	v.SetDefault("agent.startupTimeout", 30)
	v.SetDefault("agent.interruptDrainTimeout", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "agentdeck-cluster")
	v.SetDefault("nats.clientId", "agentdeck-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Projects defaults
	v.SetDefault("projects.driver", "sqlite3")
	v.SetDefault("projects.path", "")
	v.SetDefault("projects.dsn", "")
	v.SetDefault("projects.maxConns", 25)
	v.SetDefault("projects.minConns", 5)

	// MCP defaults
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 9090)

	// Permissions defaults - zero disables the auto-deny timer
	v.SetDefault("permissions.autoDenyTimeout", 0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.debugComponents", []string{})
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTDECK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentdeck/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("data.dir", "AGENTDECK_DATA_DIR")
	_ = v.BindEnv("agent.binary", "AGENTDECK_AGENT_BINARY")
	_ = v.BindEnv("agent.defaultModel", "AGENTDECK_AGENT_DEFAULT_MODEL")
	_ = v.BindEnv("projects.dsn", "AGENTDECK_PROJECTS_DSN")
	_ = v.BindEnv("mcp.enabled", "AGENTDECK_MCP_ENABLED")
	_ = v.BindEnv("mcp.port", "AGENTDECK_MCP_PORT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/agentdeck/")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if strings.TrimSpace(cfg.Data.Dir) == "" {
		errs = append(errs, "data.dir is required")
	}

	if strings.TrimSpace(cfg.Agent.Binary) == "" {
		errs = append(errs, "agent.binary is required")
	}
	if cfg.Agent.StartupTimeout <= 0 {
		errs = append(errs, "agent.startupTimeout must be positive")
	}

	switch cfg.Projects.Driver {
	case "sqlite3":
		// Path defaults under data.dir when empty
	case "pgx":
		if cfg.Projects.DSN == "" {
			errs = append(errs, "projects.dsn is required when projects.driver is pgx")
		}
	default:
		errs = append(errs, "projects.driver must be one of: sqlite3, pgx")
	}

	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	if cfg.Permissions.AutoDenyTimeout < 0 {
		errs = append(errs, "permissions.autoDenyTimeout must not be negative")
	}

	// Logging validation
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
