package config

import "time"

// MedrecConfig is the top-level configuration structure for medrec.
type MedrecConfig struct {
	Backend  BackendConfig  `yaml:"backend"`
	Identity IdentityConfig `yaml:"identity"`
	Session  SessionConfig  `yaml:"session"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BackendConfig describes the clinical-records REST API the pipeline talks to.
type BackendConfig struct {
	// BaseURL is the configured backend address; relative request paths are
	// qualified against it and only requests to it carry credentials.
	BaseURL string `yaml:"baseURL"`

	// TenantHeader is the header carrying the active tenant id.
	TenantHeader string `yaml:"tenantHeader,omitempty"`

	// DefaultTenant is used when the session has no active tenant.
	DefaultTenant string `yaml:"defaultTenant,omitempty"`

	// SwitchTenantPath is the backend endpoint that re-scopes a session.
	SwitchTenantPath string `yaml:"switchTenantPath,omitempty"`

	// TenantsPath lists the tenants available to the current identity.
	TenantsPath string `yaml:"tenantsPath,omitempty"`

	// LogoutPath is called on explicit logout; it is never refreshed.
	LogoutPath string `yaml:"logoutPath,omitempty"`

	Timeout   time.Duration `yaml:"timeout,omitempty"`
	RateLimit float64       `yaml:"rateLimit,omitempty"` // requests per second, 0 = unlimited
	RateBurst int           `yaml:"rateBurst,omitempty"`
}

// IdentityConfig describes the identity backend used for login and refresh.
type IdentityConfig struct {
	// Issuer enables OIDC discovery of the token endpoint when TokenURL is empty.
	Issuer       string   `yaml:"issuer,omitempty"`
	TokenURL     string   `yaml:"tokenURL,omitempty"`
	ClientID     string   `yaml:"clientID"`
	ClientSecret string   `yaml:"clientSecret,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty"`

	// RefreshTimeout bounds a single refresh exchange.
	RefreshTimeout time.Duration `yaml:"refreshTimeout,omitempty"`

	// ProactiveRefresh refreshes before dispatch when the access credential
	// expires within this window. Zero disables it.
	ProactiveRefresh time.Duration `yaml:"proactiveRefresh,omitempty"`
}

// SessionConfig controls where the session survives process restarts.
type SessionConfig struct {
	// File is the persisted session path. Empty means DefaultSessionFile
	// inside the config directory.
	File string `yaml:"file,omitempty"`

	// Watch reloads the session when another process rewrites the file.
	Watch bool `yaml:"watch,omitempty"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}
