// Package logging provides the structured, subsystem-tagged logger used across
// medrec.
//
// It is a thin layer over log/slog. Every entry carries a subsystem attribute
// so output can be filtered by component:
//
//   - Session: credential store, persistence and tenant switches
//   - Refresh: the refresh coordinator and token exchange
//   - Pipeline: request dispatch and response classification
//   - Config: configuration loading
//   - CLI: command handlers
//
// # Usage
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//	logging.Debug("Pipeline", "dispatching %s %s", method, url)
//	logging.Error("Refresh", err, "refresh exchange failed")
//
// # Audit Logging
//
// Security-sensitive transitions (credential stored, cleared, refresh
// rejected, tenant switched) are emitted through Audit:
//
//	logging.Audit(logging.AuditEvent{
//	    Action:   "tenant_switched",
//	    Outcome:  "success",
//	    TenantID: tenantID,
//	})
//
// Audit events are logged at INFO level with an [AUDIT] prefix. Token values
// are never logged; use RedactToken when a correlation marker is needed.
package logging
