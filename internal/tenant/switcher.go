// Package tenant lists the tenants available to the signed-in identity and
// switches the active one.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"medrec/internal/pipeline"
	"medrec/internal/session"
	"medrec/pkg/logging"
)

// Tenant is one organisation the identity may work in.
type Tenant struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Issuer sends requests through the authenticated pipeline.
type Issuer interface {
	Issue(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error)
}

// Committer applies a confirmed switch to the session.
type Committer interface {
	CommitTenantSwitch(ctx context.Context, tenantID string, scoped *session.Credential) error
}

// Switcher calls the tenant endpoints of the backend.
type Switcher struct {
	issuer     Issuer
	committer  Committer
	switchPath string
	listPath   string
}

// NewSwitcher returns a switcher using the given backend paths.
func NewSwitcher(issuer Issuer, committer Committer, switchPath, listPath string) *Switcher {
	return &Switcher{
		issuer:     issuer,
		committer:  committer,
		switchPath: switchPath,
		listPath:   listPath,
	}
}

// List returns the tenants the backend reports for the current identity.
func (s *Switcher) List(ctx context.Context) ([]Tenant, error) {
	resp, err := s.issuer.Issue(ctx, pipeline.NewRequest(http.MethodGet, s.listPath))
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	var tenants []Tenant
	if err := resp.DecodeJSON(&tenants); err != nil {
		return nil, err
	}
	return tenants, nil
}

// scopedToken is the optional body of a switch confirmation.
type scopedToken struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// Switch asks the backend to move the session to tenantID and commits the
// result. A confirmation carrying a credential replaces the credential in
// the same step as the tenant id.
func (s *Switcher) Switch(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return errors.New("tenant id is required")
	}

	req, err := pipeline.NewJSONRequest(http.MethodPost, s.switchPath, map[string]string{"tenant_id": tenantID})
	if err != nil {
		return err
	}
	resp, err := s.issuer.Issue(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to switch to tenant %s: %w", tenantID, err)
	}

	var scoped *session.Credential
	var tok scopedToken
	if err := resp.DecodeJSON(&tok); err != nil {
		return err
	}
	if tok.AccessToken != "" {
		ot := &oauth2.Token{
			AccessToken:  tok.AccessToken,
			TokenType:    tok.TokenType,
			RefreshToken: tok.RefreshToken,
		}
		if tok.ExpiresIn > 0 {
			ot.Expiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
		}
		scoped = session.CredentialFromOAuth2Token(ot)
	}

	if err := s.committer.CommitTenantSwitch(ctx, tenantID, scoped); err != nil {
		return fmt.Errorf("failed to commit tenant switch: %w", err)
	}
	logging.Info("Tenant", "Switched to tenant %s", tenantID)
	return nil
}
