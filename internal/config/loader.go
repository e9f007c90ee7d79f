package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file, falling back to defaults when
// no config file exists. Environment variables prefixed with AGENTD
// override file values.
func (l *Loader) Load() (*Config, error) {
	configPath := l.configPath
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".agentd", "agentd.json")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.SetEnvPrefix("AGENTD")
	v.AutomaticEnv()

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		l.applyEnvOverrides(cfg)
		return cfg, nil
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	l.applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides fills secret-bearing fields from the environment so
// they never need to live in the config file.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTD_INSTANCE_SECRET"); v != "" {
		cfg.Secrets.InstanceSecret = v
	}
	if v := os.Getenv("AGENTD_LLM_API_KEY"); v != "" {
		cfg.Secrets.LLMAPIKey = v
	}
	if v := os.Getenv("AGENTD_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("GITHUB_ACCESS_TOKEN"); v != "" && cfg.Secrets.SourceControlToken == "" {
		cfg.Secrets.SourceControlToken = v
	}
}
