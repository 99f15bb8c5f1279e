package config

import "time"

const (
	// DefaultTenantHeader is the header carrying the active tenant id.
	DefaultTenantHeader = "X-Tenant-ID"

	// DefaultSwitchTenantPath is the backend endpoint for tenant switches.
	DefaultSwitchTenantPath = "/auth/switch-tenant"

	// DefaultTenantsPath lists tenants for the current identity.
	DefaultTenantsPath = "/tenants"

	// DefaultLogoutPath is the backend logout endpoint.
	DefaultLogoutPath = "/auth/logout"

	// DefaultHTTPTimeout bounds every backend call at the transport level.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultRefreshTimeout bounds a single refresh exchange.
	DefaultRefreshTimeout = 30 * time.Second

	// DefaultSessionFile is relative to the user config directory.
	DefaultSessionFile = "session.json"
)

// GetDefaultConfig returns the default configuration.
func GetDefaultConfig() MedrecConfig {
	return MedrecConfig{
		Backend: BackendConfig{
			TenantHeader:     DefaultTenantHeader,
			SwitchTenantPath: DefaultSwitchTenantPath,
			TenantsPath:      DefaultTenantsPath,
			LogoutPath:       DefaultLogoutPath,
			Timeout:          DefaultHTTPTimeout,
		},
		Identity: IdentityConfig{
			RefreshTimeout: DefaultRefreshTimeout,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
