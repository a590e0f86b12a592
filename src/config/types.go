package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/elee1766/threadloom/src/backoff"
	"github.com/elee1766/threadloom/src/mcp"
)

// Config represents the complete configuration for threadloom
type Config struct {
	// Version of the configuration format
	Version string `json:"version"`

	// HTTP server configuration
	Server ServerConfig `json:"server"`

	// Database configuration
	Database DatabaseConfig `json:"database"`

	// LLM backend configuration
	LLM LLMConfig `json:"llm"`

	// Backoff for MCP reconnects
	Backoff BackoffConfig `json:"backoff"`

	// MCP server configurations
	MCPServers []MCPServerConfig `json:"mcp_servers,omitempty" validate:"dive"`

	// Tool permissions
	Tools ToolPermissions `json:"tools,omitempty"`

	// Local tools served in-process
	BuiltinTools BuiltinToolsConfig `json:"builtin_tools,omitempty"`

	// MaxToolRounds bounds tool round trips per turn
	MaxToolRounds int `json:"max_tool_rounds" validate:"min=0"`

	Logging LoggingConfig `json:"logging,omitempty"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	// Listen is the address the API binds to
	Listen string `json:"listen" validate:"required,hostname_port"`

	// StreamBufferSize is the initial delta buffer per generation
	StreamBufferSize int `json:"stream_buffer_size,omitempty" validate:"min=0"`

	// MetricsToken, if set, is required as a bearer token on /metrics
	MetricsToken string `json:"metrics_token,omitempty"`
}

// DatabaseConfig selects the storage driver
type DatabaseConfig struct {
	Driver string `json:"driver" validate:"db_driver"`
	DSN    string `json:"dsn"`
}

// LLMConfig holds the OpenAI compatible backend configuration
type LLMConfig struct {
	// BaseURL overrides the default API endpoint
	BaseURL string `json:"base_url,omitempty" validate:"omitempty,url"`

	// APIKey for authentication (can be omitted if using env vars)
	APIKey string `json:"api_key,omitempty"`

	// APIKeyEnvVar specifies the environment variable to read the API key from
	APIKeyEnvVar string `json:"api_key_env_var,omitempty"`

	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Prompts maps prompt template names used by sampling to system prompts
	Prompts map[string]string `json:"prompts,omitempty"`

	// SamplingTemplate is the template name used for sampling requests
	SamplingTemplate string `json:"sampling_template,omitempty"`

	MaxRetries int      `json:"max_retries" validate:"min=0"`
	Timeout    Duration `json:"timeout,omitempty" validate:"min=0"`

	// Attribution headers sent to OpenRouter
	SiteURL  string `json:"site_url,omitempty"`
	SiteName string `json:"site_name,omitempty"`
}

// BackoffConfig controls MCP reconnect delays
type BackoffConfig struct {
	Initial     Duration `json:"initial,omitempty" validate:"min=0"`
	Multiplier  float64  `json:"multiplier,omitempty" validate:"omitempty,gte=1"`
	Max         Duration `json:"max,omitempty" validate:"min=0"`
	JitterRatio float64  `json:"jitter_ratio,omitempty" validate:"min=0,max=1"`
}

// Backoff returns the scheduler configuration
func (c BackoffConfig) Backoff() backoff.Config {
	return backoff.Config{
		Initial:     time.Duration(c.Initial),
		Multiplier:  c.Multiplier,
		Max:         time.Duration(c.Max),
		JitterRatio: c.JitterRatio,
	}
}

// MCPServerConfig holds MCP server configuration
type MCPServerConfig struct {
	Name        string            `json:"name" validate:"required"`
	Transport   string            `json:"transport" validate:"transport"`
	URL         string            `json:"url,omitempty" validate:"omitempty,url"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	BearerToken string            `json:"bearer_token,omitempty"`
	Timeout     Duration          `json:"timeout,omitempty" validate:"min=0"`
}

// Server converts to the connection configuration
func (c MCPServerConfig) Server() mcp.ServerConfig {
	return mcp.ServerConfig{
		Name:        c.Name,
		Transport:   c.Transport,
		URL:         c.URL,
		Command:     c.Command,
		Args:        c.Args,
		Env:         c.Env,
		Headers:     c.Headers,
		BearerToken: c.BearerToken,
		Timeout:     time.Duration(c.Timeout),
	}
}

// ToolPermissions defines which tools are offered to the model. Patterns are
// globs, or regular expressions enclosed in slashes.
type ToolPermissions struct {
	// DefaultMode applies when no pattern matches ("allow", "deny")
	DefaultMode string   `json:"default_mode,omitempty" validate:"omitempty,oneof=allow deny"`
	Allow       []string `json:"allow,omitempty" validate:"dive,regex_pattern"`
	Deny        []string `json:"deny,omitempty" validate:"dive,regex_pattern"`
}

// BuiltinToolsConfig enables the in-process tools
type BuiltinToolsConfig struct {
	WebFetch WebFetchConfig `json:"web_fetch,omitempty"`
}

// WebFetchConfig configures the fetch_url tool
type WebFetchConfig struct {
	Enabled   bool     `json:"enabled"`
	MaxBytes  int64    `json:"max_bytes,omitempty" validate:"min=0"`
	Timeout   Duration `json:"timeout,omitempty"`
	UserAgent string   `json:"user_agent,omitempty"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error)
	Level string `json:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`

	// Format is the output format (text, json)
	Format string `json:"format,omitempty" validate:"log_format"`
}

// Duration is a time.Duration that reads "1.5s" style strings or nanoseconds
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		*d = Duration(v)
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// ConfigPrecedence defines the order of configuration loading
type ConfigPrecedence struct {
	// SystemConfig path
	SystemConfig string

	// UserConfig path
	UserConfig string

	// LocalConfig path
	LocalConfig string

	// Required files must exist
	Required bool

	// EnvironmentPrefix for env var overrides
	EnvironmentPrefix string
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ValidationError) Error() string {
	return e.Message
}

// ConfigSource indicates where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"
	SourceUser        ConfigSource = "user"
	SourceLocal       ConfigSource = "local"
	SourceEnvironment ConfigSource = "environment"
)
