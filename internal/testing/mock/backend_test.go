package mock

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getWithToken(t *testing.T, rawURL, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func postForm(t *testing.T, rawURL string, form url.Values) (*http.Response, TokenResponse) {
	t.Helper()
	resp, err := http.PostForm(rawURL, form)
	require.NoError(t, err)
	defer resp.Body.Close()
	var tok TokenResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	}
	return resp, tok
}

func TestBackend_PasswordAndRefreshGrant(t *testing.T) {
	b := NewBackend(BackendConfig{Users: map[string]string{"alice": "pw"}})
	defer b.Close()

	resp, _ := postForm(t, b.TokenURL(), url.Values{"grant_type": {"password"}, "username": {"alice"}, "password": {"bad"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, tok := postForm(t, b.TokenURL(), url.Values{"grant_type": {"password"}, "username": {"alice"}, "password": {"pw"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, tok.AccessToken)
	assert.NotEmpty(t, tok.RefreshToken)

	resp, refreshed := postForm(t, b.TokenURL(), url.Values{"grant_type": {"refresh_token"}, "refresh_token": {tok.RefreshToken}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, tok.AccessToken, refreshed.AccessToken)
	assert.Equal(t, 1, b.RefreshCalls())

	// Rotated: the old refresh token is gone and the old access token is dead.
	resp, _ = postForm(t, b.TokenURL(), url.Values{"grant_type": {"refresh_token"}, "refresh_token": {tok.RefreshToken}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	apiResp := getWithToken(t, b.URL()+"/api/patients", tok.AccessToken)
	apiResp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, apiResp.StatusCode)

	apiResp = getWithToken(t, b.URL()+"/api/patients", refreshed.AccessToken)
	apiResp.Body.Close()
	assert.Equal(t, http.StatusOK, apiResp.StatusCode)
}

func TestBackend_ExpireAndRecord(t *testing.T) {
	b := NewBackend(BackendConfig{})
	defer b.Close()

	tok := b.Issue("bob", "clinic-1")
	resp := getWithToken(t, b.URL()+"/api/visits", tok.AccessToken)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	b.Expire(tok.AccessToken)
	resp = getWithToken(t, b.URL()+"/api/visits", tok.AccessToken)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	reqs := b.RequestsTo("/api/visits")
	require.Len(t, reqs, 2)
	assert.Equal(t, "Bearer "+tok.AccessToken, reqs[0].Header.Get("Authorization"))
}

func TestBackend_HoldUnauthorizedReleasesTogether(t *testing.T) {
	b := NewBackend(BackendConfig{})
	defer b.Close()
	b.HoldUnauthorized(3)

	var wg sync.WaitGroup
	statuses := make([]int, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := getWithToken(t, b.URL()+"/api/x", "stale")
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	for _, s := range statuses {
		assert.Equal(t, http.StatusUnauthorized, s)
	}
}

func TestBackend_Discovery(t *testing.T) {
	b := NewBackend(BackendConfig{})
	defer b.Close()

	resp := getWithToken(t, b.URL()+"/.well-known/openid-configuration", "")
	defer resp.Body.Close()
	var doc map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, b.URL(), doc["issuer"])
	assert.Equal(t, b.TokenURL(), doc["token_endpoint"])
}

func TestBackend_SwitchTenant(t *testing.T) {
	b := NewBackend(BackendConfig{
		Tenants:         []Tenant{{ID: "clinic-1"}, {ID: "clinic-2"}},
		RescopeOnSwitch: true,
	})
	defer b.Close()
	tok := b.Issue("carol", "clinic-1")

	post := func(tenant string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, b.URL()+"/auth/switch-tenant",
			strings.NewReader(`{"tenant_id":"`+tenant+`"}`))
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post("clinic-9")
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = post("clinic-2")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var scoped TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&scoped))
	assert.NotEmpty(t, scoped.AccessToken)
	assert.Equal(t, 2, b.SwitchCalls())
}
