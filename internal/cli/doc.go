// Package cli holds the presentation layer shared by the medrec commands.
//
// It turns pipeline and identity failures into actionable error messages
// with stable exit-code types (AuthRequiredError, AuthExpiredError,
// AuthFailedError, ConnectionError), renders tables and key/value views
// with go-pretty, shows a spinner while a network call is in progress, and
// prompts for credentials and tenant selection.
//
// Nothing in this package talks to the backend directly.
package cli
