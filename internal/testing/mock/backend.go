package mock

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Tenant is a tenant the mock backend knows about.
type Tenant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// BackendConfig configures the mock backend behaviour.
type BackendConfig struct {
	// Users maps usernames to passwords for the password grant.
	// Nil accepts any non-empty username.
	Users map[string]string

	// Tenants lists the tenants every user may switch to.
	Tenants []Tenant

	// TokenLifetime is reported as expires_in and written into the exp
	// claim. Zero omits both so the expiry is unknown to the client.
	TokenLifetime time.Duration

	// RescopeOnSwitch makes the tenant switch endpoint return a new
	// credential scoped to the requested tenant.
	RescopeOnSwitch bool

	// OmitRefreshTokenOnRefresh answers refresh exchanges without a new
	// refresh token, so the client must keep the old one.
	OmitRefreshTokenOnRefresh bool

	// Clock is used for exp claims. Defaults to RealClock.
	Clock Clock
}

// RecordedRequest is a request as the backend received it.
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// TokenResponse is the token endpoint response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type issuedToken struct {
	subject      string
	tenant       string
	refreshToken string
	expired      bool
}

type cannedResponse struct {
	status int
	body   string
}

// Backend is a combined identity and clinical-records server for tests.
type Backend struct {
	server *httptest.Server
	config BackendConfig
	clock  Clock

	mu            sync.Mutex
	access        map[string]*issuedToken // access token -> info
	refresh       map[string]*issuedToken // refresh token -> info
	requests      []RecordedRequest
	responses     map[string]cannedResponse
	seq           int
	rejectRefresh bool
	refreshDelay  time.Duration
	alwaysDeny    bool

	holdTarget  int
	holdArrived int
	holdCh      chan struct{}

	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
	switchCalls  atomic.Int32
}

// NewBackend starts a mock backend. Call Close when done.
func NewBackend(config BackendConfig) *Backend {
	b := &Backend{
		config:    config,
		clock:     config.Clock,
		access:    make(map[string]*issuedToken),
		refresh:   make(map[string]*issuedToken),
		responses: make(map[string]cannedResponse),
	}
	if b.clock == nil {
		b.clock = RealClock{}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", b.handleDiscovery)
	mux.HandleFunc("/token", b.handleToken)
	mux.HandleFunc("/auth/switch-tenant", b.handleSwitchTenant)
	mux.HandleFunc("/auth/logout", b.handleLogout)
	mux.HandleFunc("/tenants", b.handleTenants)
	mux.HandleFunc("/api/", b.handleAPI)
	b.server = httptest.NewServer(mux)
	return b
}

// URL returns the backend base URL, which is also the OIDC issuer.
func (b *Backend) URL() string {
	return b.server.URL
}

// TokenURL returns the token endpoint.
func (b *Backend) TokenURL() string {
	return b.server.URL + "/token"
}

// Close shuts the server down and releases any held responses.
func (b *Backend) Close() {
	b.mu.Lock()
	if b.holdCh != nil && b.holdTarget > 0 {
		close(b.holdCh)
		b.holdTarget = 0
	}
	b.mu.Unlock()
	b.server.Close()
}

// Issue mints a credential directly, bypassing the token endpoint.
func (b *Backend) Issue(subject, tenant string) TokenResponse {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issueLocked(subject, tenant)
}

// Expire makes accessToken fail authentication from now on.
func (b *Backend) Expire(accessToken string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tok, ok := b.access[accessToken]; ok {
		tok.expired = true
	}
}

// ExpireAll expires every access token issued so far.
func (b *Backend) ExpireAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tok := range b.access {
		tok.expired = true
	}
}

// RejectRefresh makes every refresh exchange fail with invalid_grant.
func (b *Backend) RejectRefresh(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectRefresh = reject
}

// SetRefreshDelay delays every refresh exchange response by d.
func (b *Backend) SetRefreshDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshDelay = d
}

// SetAlwaysUnauthorized makes every protected route answer 401, even for
// freshly refreshed credentials.
func (b *Backend) SetAlwaysUnauthorized(deny bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alwaysDeny = deny
}

// SetResponse makes an authenticated request to path answer with status and body.
func (b *Backend) SetResponse(path string, status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses[path] = cannedResponse{status: status, body: body}
}

// HoldUnauthorized makes the next n 401 answers wait until all n requests
// have arrived, then releases them together.
func (b *Backend) HoldUnauthorized(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdTarget = n
	b.holdArrived = 0
	b.holdCh = make(chan struct{})
}

// RefreshCalls returns how many refresh_token exchanges reached the server.
func (b *Backend) RefreshCalls() int {
	return int(b.refreshCalls.Load())
}

// LogoutCalls returns how many logout requests reached the server.
func (b *Backend) LogoutCalls() int {
	return int(b.logoutCalls.Load())
}

// SwitchCalls returns how many tenant switch requests reached the server.
func (b *Backend) SwitchCalls() int {
	return int(b.switchCalls.Load())
}

// Requests returns a copy of every recorded non-token request.
func (b *Backend) Requests() []RecordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]RecordedRequest, len(b.requests))
	copy(out, b.requests)
	return out
}

// RequestsTo returns the recorded requests for path.
func (b *Backend) RequestsTo(path string) []RecordedRequest {
	var out []RecordedRequest
	for _, r := range b.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (b *Backend) issueLocked(subject, tenant string) TokenResponse {
	b.seq++
	claims := map[string]interface{}{
		"sub":   subject,
		"email": subject + "@example.test",
		"roles": []string{"clinician"},
		"jti":   uuid.NewString(),
		"iat":   b.clock.Now().Unix(),
	}
	if tenant != "" {
		claims["tenant_id"] = tenant
	}
	resp := TokenResponse{
		TokenType:    "Bearer",
		RefreshToken: fmt.Sprintf("refresh-%d", b.seq),
	}
	if b.config.TokenLifetime > 0 {
		claims["exp"] = b.clock.Now().Add(b.config.TokenLifetime).Unix()
		resp.ExpiresIn = int(b.config.TokenLifetime.Seconds())
	}
	resp.AccessToken = AccessToken(claims)

	tok := &issuedToken{subject: subject, tenant: tenant, refreshToken: resp.RefreshToken}
	b.access[resp.AccessToken] = tok
	b.refresh[resp.RefreshToken] = tok
	return resp
}

func (b *Backend) record(r *http.Request) []byte {
	body, _ := io.ReadAll(r.Body)
	b.mu.Lock()
	b.requests = append(b.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   body,
	})
	b.mu.Unlock()
	return body
}

// authenticate returns the token info for the bearer credential, or nil.
func (b *Backend) authenticate(r *http.Request) *issuedToken {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.alwaysDeny {
		return nil
	}
	tok, ok := b.access[strings.TrimPrefix(header, "Bearer ")]
	if !ok || tok.expired {
		return nil
	}
	return tok
}

func (b *Backend) unauthorized(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	var wait chan struct{}
	if b.holdTarget > 0 {
		b.holdArrived++
		wait = b.holdCh
		if b.holdArrived >= b.holdTarget {
			close(b.holdCh)
			b.holdTarget = 0
		}
	}
	b.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		case <-r.Context().Done():
			return
		}
	}
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
}

func (b *Backend) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                                b.server.URL,
		"authorization_endpoint":                b.server.URL + "/authorize",
		"token_endpoint":                        b.server.URL + "/token",
		"jwks_uri":                              b.server.URL + "/jwks",
		"grant_types_supported":                 []string{"password", "refresh_token"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (b *Backend) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "password":
		b.handlePasswordGrant(w, r)
	case "refresh_token":
		b.handleRefreshGrant(w, r)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "unsupported_grant_type",
			"error_description": "grant type not supported",
		})
	}
}

func (b *Backend) handlePasswordGrant(w http.ResponseWriter, r *http.Request) {
	username := r.PostForm.Get("username")
	password := r.PostForm.Get("password")

	b.mu.Lock()
	defer b.mu.Unlock()
	if username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if b.config.Users != nil && b.config.Users[username] != password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":             "invalid_grant",
			"error_description": "invalid username or password",
		})
		return
	}
	tenant := ""
	if len(b.config.Tenants) > 0 {
		tenant = b.config.Tenants[0].ID
	}
	writeJSON(w, http.StatusOK, b.issueLocked(username, tenant))
}

func (b *Backend) handleRefreshGrant(w http.ResponseWriter, r *http.Request) {
	b.refreshCalls.Add(1)

	b.mu.Lock()
	delay := b.refreshDelay
	b.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	old, ok := b.refresh[r.PostForm.Get("refresh_token")]
	if b.rejectRefresh || !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "refresh token not found",
		})
		return
	}

	// Rotate: the old refresh token and every access token minted from it
	// stop working.
	delete(b.refresh, old.refreshToken)
	old.expired = true

	resp := b.issueLocked(old.subject, old.tenant)
	if b.config.OmitRefreshTokenOnRefresh {
		b.refresh[old.refreshToken] = b.access[resp.AccessToken]
		b.access[resp.AccessToken].refreshToken = old.refreshToken
		delete(b.refresh, resp.RefreshToken)
		resp.RefreshToken = ""
	}
	writeJSON(w, http.StatusOK, resp)
}

func (b *Backend) handleAPI(w http.ResponseWriter, r *http.Request) {
	b.record(r)
	tok := b.authenticate(r)
	if tok == nil {
		b.unauthorized(w, r)
		return
	}

	b.mu.Lock()
	canned, ok := b.responses[r.URL.Path]
	b.mu.Unlock()
	if ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(canned.status)
		_, _ = io.WriteString(w, canned.body)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"path":    r.URL.Path,
		"method":  r.Method,
		"subject": tok.subject,
		"tenant":  r.Header.Get("X-Tenant-ID"),
	})
}

func (b *Backend) handleSwitchTenant(w http.ResponseWriter, r *http.Request) {
	b.switchCalls.Add(1)
	body := b.record(r)
	tok := b.authenticate(r)
	if tok == nil {
		b.unauthorized(w, r)
		return
	}

	var req struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.TenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant_id is required"})
		return
	}
	if !b.knowsTenant(req.TenantID) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "tenant not accessible"})
		return
	}

	if !b.config.RescopeOnSwitch {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	b.mu.Lock()
	resp := b.issueLocked(tok.subject, req.TenantID)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (b *Backend) handleTenants(w http.ResponseWriter, r *http.Request) {
	b.record(r)
	if b.authenticate(r) == nil {
		b.unauthorized(w, r)
		return
	}
	tenants := b.config.Tenants
	if tenants == nil {
		tenants = []Tenant{}
	}
	writeJSON(w, http.StatusOK, tenants)
}

func (b *Backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	b.logoutCalls.Add(1)
	b.record(r)
	tok := b.authenticate(r)
	if tok == nil {
		b.unauthorized(w, r)
		return
	}
	b.mu.Lock()
	tok.expired = true
	delete(b.refresh, tok.refreshToken)
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) knowsTenant(id string) bool {
	for _, t := range b.config.Tenants {
		if t.ID == id {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
