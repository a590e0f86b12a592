package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

// DefaultDatabasePath is the sqlite file under XDG_STATE_HOME
func DefaultDatabasePath() string {
	return filepath.Join(xdg.StateHome, "threadloom", "threads.db")
}

// DefaultUserConfigPath is config.json under XDG_CONFIG_HOME
func DefaultUserConfigPath() string {
	return filepath.Join(xdg.ConfigHome, "threadloom", "config.json")
}
