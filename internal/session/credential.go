package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Credential is the access/refresh pair used to authenticate backend calls.
type Credential struct {
	AccessToken string `json:"access_token"`

	// TokenType is typically "Bearer".
	TokenType string `json:"token_type,omitempty"`

	// ExpiresAt is the access token expiry; zero means unknown.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	RefreshToken string `json:"refresh_token,omitempty"`
}

// Present reports whether an access token exists.
func (c *Credential) Present() bool {
	return c != nil && c.AccessToken != ""
}

// Refreshable reports whether the credential is complete enough to be
// exchanged. A credential without a refresh token counts as absent here.
func (c *Credential) Refreshable() bool {
	return c.Present() && c.RefreshToken != ""
}

// ExpiredAt reports whether the access token is known to be expired at now.
// Unknown expiry is never expired.
func (c *Credential) ExpiredAt(now time.Time) bool {
	if c == nil || c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt)
}

// AuthorizationHeader returns the value for the Authorization header.
func (c *Credential) AuthorizationHeader() string {
	tokenType := c.TokenType
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}
	return tokenType + " " + c.AccessToken
}

// Clone returns a copy that shares no memory with c.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// String keeps token values out of logs and error messages.
func (c *Credential) String() string {
	if c == nil {
		return "<nil>"
	}
	exp := "unknown"
	if !c.ExpiresAt.IsZero() {
		exp = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("credential{access=%s refresh=%s expires=%s}",
		redacted(c.AccessToken), redacted(c.RefreshToken), exp)
}

// GoString redacts %#v output the same way.
func (c *Credential) GoString() string {
	return "session." + c.String()
}

func redacted(token string) string {
	if token == "" {
		return "none"
	}
	return "[REDACTED]"
}

// ToOAuth2Token converts the credential for use with golang.org/x/oauth2.
func (c *Credential) ToOAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    c.TokenType,
		RefreshToken: c.RefreshToken,
		Expiry:       c.ExpiresAt,
	}
}

// CredentialFromOAuth2Token converts a token endpoint response. When the
// response carried no expires_in, the expiry is taken from the access token's
// exp claim if it is a JWT.
func CredentialFromOAuth2Token(token *oauth2.Token) *Credential {
	if token == nil {
		return nil
	}
	cred := &Credential{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		ExpiresAt:    token.Expiry,
		RefreshToken: token.RefreshToken,
	}
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = expiryFromClaims(cred.AccessToken)
	}
	return cred
}

// expiryFromClaims reads the exp claim without verifying the signature.
func expiryFromClaims(accessToken string) time.Time {
	claims, ok := parseUnverified(accessToken)
	if !ok {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func parseUnverified(accessToken string) (jwt.MapClaims, bool) {
	if strings.Count(accessToken, ".") != 2 {
		return nil, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, false
	}
	return claims, true
}
