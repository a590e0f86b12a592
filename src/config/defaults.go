package config

import (
	"time"

	"github.com/elee1766/threadloom/src/backoff"
	"github.com/elee1766/threadloom/src/storage"
)

// DefaultConfig returns a default configuration with sensible defaults
func DefaultConfig() *Config {
	b := backoff.DefaultConfig()
	return &Config{
		Version: "1.0",
		Server: ServerConfig{
			Listen:           "127.0.0.1:8080",
			StreamBufferSize: 64,
		},
		Database: DatabaseConfig{
			Driver: storage.DriverSQLite,
			DSN:    DefaultDatabasePath(),
		},
		LLM: LLMConfig{
			BaseURL:      "https://openrouter.ai/api/v1",
			APIKeyEnvVar: "OPENROUTER_API_KEY",
			Model:        "openai/gpt-4o-mini",
			MaxRetries:   2,
			Timeout:      Duration(2 * time.Minute),
			SiteURL:      "https://github.com/elee1766/threadloom",
			SiteName:     "threadloom",
		},
		Backoff: BackoffConfig{
			Initial:     Duration(b.Initial),
			Multiplier:  b.Multiplier,
			Max:         Duration(b.Max),
			JitterRatio: b.JitterRatio,
		},
		Tools: ToolPermissions{
			DefaultMode: "allow",
		},
		MaxToolRounds: 10,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// MergeWithDefaults merges a partial configuration with defaults
func MergeWithDefaults(partial *Config) *Config {
	defaults := DefaultConfig()
	loader := &Loader{}
	return loader.mergeConfigs(defaults, partial)
}
