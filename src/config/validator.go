package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/elee1766/threadloom/src/mcp"
	"github.com/elee1766/threadloom/src/storage"
)

// Validator validates configuration values using go-playground/validator
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new configuration validator
func NewValidator() *Validator {
	v := validator.New()

	v.RegisterValidation("transport", validateTransport)
	v.RegisterValidation("db_driver", validateDBDriver)
	v.RegisterValidation("log_format", validateLogFormat)
	v.RegisterValidation("regex_pattern", validateRegexPattern)
	v.RegisterStructValidation(validateMCPServer, MCPServerConfig{})
	v.RegisterStructValidation(validateUniqueServers, Config{})

	return &Validator{
		validate: v,
	}
}

// Validate validates a complete configuration
func (v *Validator) Validate(config *Config) error {
	if config.Version == "" {
		config.Version = "1.0"
	}

	if err := v.validate.Struct(config); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			e := validationErrors[0]
			return ValidationError{
				Field:   e.Namespace(),
				Message: fmt.Sprintf("%s: validation failed on tag '%s' with value '%v'", e.Namespace(), e.Tag(), e.Value()),
				Value:   e.Value(),
			}
		}
		return err
	}

	return nil
}

func validateTransport(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case mcp.TransportSSE, mcp.TransportHTTP, mcp.TransportStdio:
		return true
	}
	return false
}

func validateDBDriver(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "", storage.DriverSQLite, storage.DriverPostgres:
		return true
	}
	return false
}

// validateLogFormat validates log format values
func validateLogFormat(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	return contains([]string{"json", "text"}, value)
}

// validateRegexPattern checks patterns enclosed in slashes compile
func validateRegexPattern(fl validator.FieldLevel) bool {
	pattern := fl.Field().String()
	if pattern == "" {
		return false
	}
	if len(pattern) > 1 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		if _, err := regexp.Compile(pattern[1 : len(pattern)-1]); err != nil {
			return false
		}
	}
	return true
}

// validateMCPServer requires a url for network transports and a command for stdio
func validateMCPServer(sl validator.StructLevel) {
	s := sl.Current().Interface().(MCPServerConfig)
	switch s.Transport {
	case mcp.TransportStdio:
		if s.Command == "" {
			sl.ReportError(s.Command, "Command", "command", "required_for_stdio", "")
		}
	case mcp.TransportSSE, mcp.TransportHTTP:
		if s.URL == "" {
			sl.ReportError(s.URL, "URL", "url", "required_for_transport", s.Transport)
		}
	}
}

func validateUniqueServers(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	seen := make(map[string]bool, len(c.MCPServers))
	for _, s := range c.MCPServers {
		if seen[s.Name] {
			sl.ReportError(s.Name, "MCPServers", "mcp_servers", "unique_name", s.Name)
			return
		}
		seen[s.Name] = true
	}
}

// contains checks if a string is in a slice
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
