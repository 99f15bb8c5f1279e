package app

import (
	"io"

	"github.com/spf13/afero"
)

// Config holds the bootstrap options that come from the command line.
type Config struct {
	Debug bool

	// ConfigPath is the configuration directory. Empty uses ~/.config/medrec.
	ConfigPath string

	// BackendURL overrides backend.baseURL when set.
	BackendURL string

	// TenantID overrides backend.defaultTenant when set.
	TenantID string

	// InMemorySession keeps the session out of the filesystem.
	InMemorySession bool

	// LogOutput defaults to os.Stderr.
	LogOutput io.Writer

	// Fs holds the session file. Defaults to the OS filesystem.
	Fs afero.Fs
}

// NewConfig creates a bootstrap configuration.
func NewConfig(debug bool, configPath string) *Config {
	return &Config{
		Debug:      debug,
		ConfigPath: configPath,
	}
}
