package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// PermissionResult is the outcome of a permission check
type PermissionResult struct {
	Allowed bool
	Reason  string
}

// PermissionChecker checks if tools may be offered and called
type PermissionChecker struct {
	config *ToolPermissions
}

// NewPermissionChecker creates a new permission checker
func NewPermissionChecker(config *ToolPermissions) *PermissionChecker {
	return &PermissionChecker{
		config: config,
	}
}

// CheckToolPermission checks the deny list, then the allow list, then the
// default mode
func (p *PermissionChecker) CheckToolPermission(toolName string) PermissionResult {
	for _, pattern := range p.config.Deny {
		if matched, _ := p.matchPattern(toolName, pattern); matched {
			return PermissionResult{
				Allowed: false,
				Reason:  fmt.Sprintf("tool matches deny pattern: %s", pattern),
			}
		}
	}

	for _, pattern := range p.config.Allow {
		if matched, _ := p.matchPattern(toolName, pattern); matched {
			return PermissionResult{Allowed: true}
		}
	}

	if p.config.DefaultMode == "deny" {
		return PermissionResult{
			Allowed: false,
			Reason:  "tool not in allow list and default mode is deny",
		}
	}
	return PermissionResult{Allowed: true}
}

// Allowed is CheckToolPermission reduced to a filter
func (p *PermissionChecker) Allowed(toolName string) bool {
	return p.CheckToolPermission(toolName).Allowed
}

// matchPattern matches a string against a pattern (glob or regex)
func (p *PermissionChecker) matchPattern(str, pattern string) (bool, error) {
	if len(pattern) > 1 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		return regexp.MatchString(pattern[1:len(pattern)-1], str)
	}
	return filepath.Match(pattern, str)
}
