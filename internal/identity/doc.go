// Package identity talks to the identity backend's token endpoint.
//
// It performs the password grant used by interactive login and the
// refresh_token grant used by the refresh coordinator, both through
// golang.org/x/oauth2. The token endpoint is either configured directly or
// discovered from the issuer's OpenID configuration.
//
// Tokens are never verified here. Claims are read without signature checks
// by the session package for expiry and identity display only.
package identity
