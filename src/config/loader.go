package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/afero"
)

// Loader handles loading and merging configurations from multiple sources
type Loader struct {
	fs         afero.Fs
	precedence ConfigPrecedence
	validator  *Validator
	getenv     func(string) string
}

// NewLoader creates a new configuration loader reading through fsys. A nil
// fsys reads the OS filesystem.
func NewLoader(fsys afero.Fs, precedence ConfigPrecedence) *Loader {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Loader{
		fs:         fsys,
		precedence: precedence,
		validator:  NewValidator(),
		getenv:     os.Getenv,
	}
}

// Load loads configuration from all sources and merges them
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	sources := []struct {
		path   string
		source ConfigSource
	}{
		{l.precedence.SystemConfig, SourceSystem},
		{l.precedence.UserConfig, SourceUser},
		{l.precedence.LocalConfig, SourceLocal},
	}

	for _, src := range sources {
		if src.path == "" {
			continue
		}

		cfg, err := l.loadFile(src.path)
		switch {
		case err == nil:
			config = l.mergeConfigs(config, cfg)
		case errors.Is(err, fs.ErrNotExist) && !l.precedence.Required:
		default:
			return nil, fmt.Errorf("failed to load %s config from %s: %w", src.source, src.path, err)
		}
	}

	if l.precedence.EnvironmentPrefix != "" {
		l.applyEnvironmentOverrides(config)
	}
	if config.LLM.APIKey == "" && config.LLM.APIKeyEnvVar != "" {
		config.LLM.APIKey = l.getenv(config.LLM.APIKeyEnvVar)
	}

	if err := l.validator.Validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func (l *Loader) loadFile(path string) (*Config, error) {
	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &config, nil
}

// SaveFile saves configuration to a file
func (l *Loader) SaveFile(config *Config, path string) error {
	if err := l.validator.Validate(config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// may hold an api key
	if err := afero.WriteFile(l.fs, path, data, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// mergeConfigs merges two configurations with the second taking precedence
func (l *Loader) mergeConfigs(base, override *Config) *Config {
	result := *base

	if override.Version != "" {
		result.Version = override.Version
	}

	// Merge Server config
	if override.Server.Listen != "" {
		result.Server.Listen = override.Server.Listen
	}
	if override.Server.StreamBufferSize != 0 {
		result.Server.StreamBufferSize = override.Server.StreamBufferSize
	}
	if override.Server.MetricsToken != "" {
		result.Server.MetricsToken = override.Server.MetricsToken
	}

	// Merge Database config
	if override.Database.Driver != "" {
		result.Database.Driver = override.Database.Driver
	}
	if override.Database.DSN != "" {
		result.Database.DSN = override.Database.DSN
	}

	result.LLM = l.mergeLLMConfig(result.LLM, override.LLM)

	// Merge Backoff config
	if override.Backoff.Initial != 0 {
		result.Backoff.Initial = override.Backoff.Initial
	}
	if override.Backoff.Multiplier != 0 {
		result.Backoff.Multiplier = override.Backoff.Multiplier
	}
	if override.Backoff.Max != 0 {
		result.Backoff.Max = override.Backoff.Max
	}
	if override.Backoff.JitterRatio != 0 {
		result.Backoff.JitterRatio = override.Backoff.JitterRatio
	}

	// Merge MCP Servers
	if len(override.MCPServers) > 0 {
		result.MCPServers = override.MCPServers
	}

	// Merge Tools permissions
	if override.Tools.DefaultMode != "" {
		result.Tools.DefaultMode = override.Tools.DefaultMode
	}
	if len(override.Tools.Allow) > 0 {
		result.Tools.Allow = override.Tools.Allow
	}
	if len(override.Tools.Deny) > 0 {
		result.Tools.Deny = override.Tools.Deny
	}

	if w := override.BuiltinTools.WebFetch; w != (WebFetchConfig{}) {
		result.BuiltinTools.WebFetch = w
	}

	if override.MaxToolRounds != 0 {
		result.MaxToolRounds = override.MaxToolRounds
	}

	if override.Logging.Level != "" {
		result.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		result.Logging.Format = override.Logging.Format
	}

	return &result
}

// mergeLLMConfig merges backend configurations
func (l *Loader) mergeLLMConfig(base, override LLMConfig) LLMConfig {
	result := base

	if override.BaseURL != "" {
		result.BaseURL = override.BaseURL
	}
	if override.APIKey != "" {
		result.APIKey = override.APIKey
	}
	if override.APIKeyEnvVar != "" {
		result.APIKeyEnvVar = override.APIKeyEnvVar
	}
	if override.Model != "" {
		result.Model = override.Model
	}
	if override.SystemPrompt != "" {
		result.SystemPrompt = override.SystemPrompt
	}
	if len(override.Prompts) > 0 {
		prompts := make(map[string]string, len(result.Prompts)+len(override.Prompts))
		for k, v := range result.Prompts {
			prompts[k] = v
		}
		for k, v := range override.Prompts {
			prompts[k] = v
		}
		result.Prompts = prompts
	}
	if override.SamplingTemplate != "" {
		result.SamplingTemplate = override.SamplingTemplate
	}
	if override.MaxRetries != 0 {
		result.MaxRetries = override.MaxRetries
	}
	if override.Timeout != 0 {
		result.Timeout = override.Timeout
	}
	if override.SiteURL != "" {
		result.SiteURL = override.SiteURL
	}
	if override.SiteName != "" {
		result.SiteName = override.SiteName
	}

	return result
}

// applyEnvironmentOverrides applies environment variable overrides to config
func (l *Loader) applyEnvironmentOverrides(config *Config) {
	prefix := l.precedence.EnvironmentPrefix

	if v := l.getenv(prefix + "_LISTEN"); v != "" {
		config.Server.Listen = v
	}
	if v := l.getenv(prefix + "_DATABASE_DRIVER"); v != "" {
		config.Database.Driver = v
	}
	if v := l.getenv(prefix + "_DATABASE_DSN"); v != "" {
		config.Database.DSN = v
	}
	if v := l.getenv(prefix + "_API_KEY"); v != "" {
		config.LLM.APIKey = v
	}
	if v := l.getenv(prefix + "_BASE_URL"); v != "" {
		config.LLM.BaseURL = v
	}
	if v := l.getenv(prefix + "_MODEL"); v != "" {
		config.LLM.Model = v
	}
	if v := l.getenv(prefix + "_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

// GetConfigPaths returns the configuration file paths to check
func GetConfigPaths() ConfigPrecedence {
	systemConfigPath := "/etc/threadloom/config.json"
	if runtime.GOOS == "windows" {
		systemConfigPath = filepath.Join(os.Getenv("PROGRAMDATA"), "threadloom", "config.json")
	}

	return ConfigPrecedence{
		SystemConfig:      systemConfigPath,
		UserConfig:        DefaultUserConfigPath(),
		LocalConfig:       "threadloom.json",
		EnvironmentPrefix: "THREADLOOM",
	}
}

// PathsFor returns the precedence for an explicit --config file, which must
// exist. An empty path falls back to the standard locations.
func PathsFor(path string) ConfigPrecedence {
	if path == "" {
		return GetConfigPaths()
	}
	return ConfigPrecedence{
		UserConfig:        path,
		Required:          true,
		EnvironmentPrefix: "THREADLOOM",
	}
}
