package config

import "time"

// Config represents the main agentd configuration
type Config struct {
	// Server holds HTTP API server settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Store holds relational store settings
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Dispatch holds async worker pool settings
	Dispatch DispatchConfig `json:"dispatch" mapstructure:"dispatch"`

	// Sandbox holds container execution settings
	Sandbox SandboxConfig `json:"sandbox" mapstructure:"sandbox"`

	// Secrets holds credential resolution settings
	Secrets SecretsConfig `json:"secrets" mapstructure:"secrets"`

	// Stream holds live stream settings
	Stream StreamConfig `json:"stream" mapstructure:"stream"`

	// Janitor holds orphan sweep settings
	Janitor JanitorConfig `json:"janitor" mapstructure:"janitor"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
	// PublicBaseURL is the externally reachable base used to build
	// OAuth redirect URIs, e.g. "https://agentd.example.com".
	PublicBaseURL string `json:"public_base_url" mapstructure:"public_base_url"`
}

// StoreConfig holds relational store configuration.
// When DSN is empty the in-memory store is used (single-node dev only).
type StoreConfig struct {
	DSN             string `json:"dsn" mapstructure:"dsn"`
	BootstrapSchema bool   `json:"bootstrap_schema" mapstructure:"bootstrap_schema"`
}

// DispatchConfig holds worker pool configuration
type DispatchConfig struct {
	Workers   int `json:"workers" mapstructure:"workers"`
	QueueSize int `json:"queue_size" mapstructure:"queue_size"`
}

// SandboxConfig holds container execution configuration
type SandboxConfig struct {
	Memory  string `json:"memory" mapstructure:"memory"`   // e.g. "2g"
	CPUs    string `json:"cpus" mapstructure:"cpus"`       // e.g. "1.0"
	Network string `json:"network" mapstructure:"network"` // docker network mode
}

// SecretsConfig holds credential resolution configuration
type SecretsConfig struct {
	// InstanceSecret keys the token cipher. Required in production.
	InstanceSecret string `json:"instance_secret" mapstructure:"instance_secret"`
	// LLMAPIKey is the instance-wide model API key fallback.
	LLMAPIKey string `json:"llm_api_key" mapstructure:"llm_api_key"`
	// SourceControlToken is the instance-wide git token fallback.
	SourceControlToken string `json:"source_control_token" mapstructure:"source_control_token"`
}

// StreamConfig holds live stream (SSE) configuration
type StreamConfig struct {
	HeartbeatSeconds    int `json:"heartbeat_seconds" mapstructure:"heartbeat_seconds"`
	GraceTimeoutMinutes int `json:"grace_timeout_minutes" mapstructure:"grace_timeout_minutes"`
}

// JanitorConfig holds orphaned session sweep configuration
type JanitorConfig struct {
	Enabled          bool `json:"enabled" mapstructure:"enabled"`
	IntervalMinutes  int  `json:"interval_minutes" mapstructure:"interval_minutes"`
	OrphanAgeMinutes int  `json:"orphan_age_minutes" mapstructure:"orphan_age_minutes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a configuration with sane defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Store: StoreConfig{
			BootstrapSchema: true,
		},
		Dispatch: DispatchConfig{
			Workers:   4,
			QueueSize: 64,
		},
		Sandbox: SandboxConfig{
			Memory:  "2g",
			CPUs:    "1.0",
			Network: "bridge",
		},
		Stream: StreamConfig{
			HeartbeatSeconds:    15,
			GraceTimeoutMinutes: 2,
		},
		Janitor: JanitorConfig{
			Enabled:          true,
			IntervalMinutes:  5,
			OrphanAgeMinutes: 30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
	}
}

// Heartbeat returns the stream heartbeat interval as a duration
func (c StreamConfig) Heartbeat() time.Duration {
	if c.HeartbeatSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// Grace returns the observer grace window beyond the session timeout
func (c StreamConfig) Grace() time.Duration {
	if c.GraceTimeoutMinutes <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.GraceTimeoutMinutes) * time.Minute
}

// Interval returns the sweep cadence as a duration
func (c JanitorConfig) Interval() time.Duration {
	if c.IntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// OrphanAge returns how old a pre-execution session must be before the
// sweep fails it
func (c JanitorConfig) OrphanAge() time.Duration {
	if c.OrphanAgeMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.OrphanAgeMinutes) * time.Minute
}
