package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"medrec/internal/session"
	"medrec/pkg/logging"
)

// Config describes how to reach the token endpoint.
type Config struct {
	// Issuer is used for OIDC discovery when TokenURL is empty.
	Issuer   string
	TokenURL string

	ClientID     string
	ClientSecret string
	Scopes       []string

	// HTTPClient is used for discovery and token calls. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

// Client exchanges user and refresh credentials for access credentials.
type Client struct {
	oauth      *oauth2.Config
	httpClient *http.Client
}

// New creates a client. When cfg.TokenURL is empty the token endpoint is
// discovered from cfg.Issuer.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("identity: client id is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		if cfg.Issuer == "" {
			return nil, errors.New("identity: either token URL or issuer is required")
		}
		provider, err := oidc.NewProvider(oidc.ClientContext(ctx, hc), cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("failed to discover token endpoint for %s: %w", cfg.Issuer, err)
		}
		tokenURL = provider.Endpoint().TokenURL
		logging.Debug("Identity", "Discovered token endpoint %s", tokenURL)
	}

	// An explicit auth style avoids the library's auto-detection, which
	// retries a failed exchange with the other style and would turn one
	// refresh round into two backend calls.
	style := oauth2.AuthStyleInHeader
	if cfg.ClientSecret == "" {
		style = oauth2.AuthStyleInParams
	}

	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: style,
			},
		},
		httpClient: hc,
	}, nil
}

// TokenURL returns the token endpoint in use.
func (c *Client) TokenURL() string {
	return c.oauth.Endpoint.TokenURL
}

// Login exchanges a username and password for a credential.
func (c *Client) Login(ctx context.Context, username, password string) (*session.Credential, error) {
	token, err := c.oauth.PasswordCredentialsToken(c.context(ctx), username, password)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	cred := session.CredentialFromOAuth2Token(token)
	if !cred.Present() {
		return nil, errors.New("login failed: token endpoint returned no access token")
	}
	logging.Audit(logging.AuditEvent{Action: "password_grant", Outcome: "success", Subject: username})
	return cred, nil
}

// Exchange performs one refresh_token grant. A response without a refresh
// token keeps the one presented. Errors from the endpoint are returned
// wrapped and remain reachable as *oauth2.RetrieveError.
func (c *Client) Exchange(ctx context.Context, refreshToken string) (*session.Credential, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is required")
	}
	src := c.oauth.TokenSource(c.context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh exchange failed: %w", err)
	}

	cred := session.CredentialFromOAuth2Token(token)
	if !cred.Present() {
		return nil, errors.New("refresh exchange returned no access token")
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}
	return cred, nil
}

func (c *Client) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}
