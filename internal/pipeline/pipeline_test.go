package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrec/internal/identity"
	"medrec/internal/metrics"
	"medrec/internal/refresh"
	"medrec/internal/session"
	"medrec/internal/testing/mock"
)

type harness struct {
	backend     *mock.Backend
	store       *session.Store
	controller  *session.Controller
	coordinator *refresh.Coordinator
	metrics     *metrics.Metrics
	pipeline    *Pipeline
}

func newHarness(t *testing.T, cfg mock.BackendConfig, configure ...func(*Options)) *harness {
	t.Helper()
	ctx := context.Background()

	backend := mock.NewBackend(cfg)
	t.Cleanup(backend.Close)

	store, err := session.NewStore(ctx, &session.MemoryPersister{})
	require.NoError(t, err)
	controller := session.NewController(store)

	idc, err := identity.New(ctx, identity.Config{TokenURL: backend.TokenURL(), ClientID: "medrec-test"})
	require.NoError(t, err)

	m := metrics.New(nil)
	coordinator := refresh.NewCoordinator(store, idc, refresh.WithMetrics(m))

	opts := Options{
		BaseURL:    backend.URL(),
		Transport:  NewHTTPTransport(5*time.Second, 0, 0),
		Session:    store,
		Refresher:  coordinator,
		Controller: controller,
		Metrics:    m,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)

	return &harness{
		backend:     backend,
		store:       store,
		controller:  controller,
		coordinator: coordinator,
		metrics:     m,
		pipeline:    p,
	}
}

func credentialFrom(tok mock.TokenResponse) session.Credential {
	cred := session.Credential{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
	}
	if tok.ExpiresIn > 0 {
		cred.ExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	return cred
}

func (h *harness) login(t *testing.T, tenant string) mock.TokenResponse {
	t.Helper()
	tok := h.backend.Issue("dr.jones", tenant)
	require.NoError(t, h.controller.Login(context.Background(), credentialFrom(tok), tenant))
	return tok
}

func lastRequest(t *testing.T, b *mock.Backend, path string) mock.RecordedRequest {
	t.Helper()
	reqs := b.RequestsTo(path)
	require.NotEmpty(t, reqs, "no request recorded for %s", path)
	return reqs[len(reqs)-1]
}

func TestNew_Validation(t *testing.T) {
	store, err := session.NewStore(context.Background(), nil)
	require.NoError(t, err)
	valid := Options{
		BaseURL:    "https://records.example.test",
		Transport:  NewHTTPTransport(time.Second, 0, 0),
		Session:    store,
		Refresher:  refresh.NewCoordinator(store, nil),
		Controller: session.NewController(store),
	}

	_, err = New(valid)
	require.NoError(t, err)

	relative := valid
	relative.BaseURL = "/api"
	_, err = New(relative)
	assert.Error(t, err)

	noTransport := valid
	noTransport.Transport = nil
	_, err = New(noTransport)
	assert.Error(t, err)
}

func TestIssue_AttachesCredentialTenantAndRequestID(t *testing.T) {
	h := newHarness(t, mock.BackendConfig{})
	tok := h.login(t, "clinic-1")

	resp, err := h.pipeline.Get(context.Background(), "/api/patients")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, resp.Retried)

	rec := lastRequest(t, h.backend, "/api/patients")
	assert.Equal(t, "Bearer "+tok.AccessToken, rec.Header.Get("Authorization"))
	assert.Equal(t, "clinic-1", rec.Header.Get("X-Tenant-ID"))
	assert.NotEmpty(t, rec.Header.Get(RequestIDHeader))

	var body map[string]string
	require.NoError(t, resp.DecodeJSON(&body))
	assert.Equal(t, "clinic-1", body["tenant"])
}

func TestIssue_TenantHeaderOnlyForAuthenticatedCalls(t *testing.T) {
	h := newHarness(t, mock.BackendConfig{})
	tok := h.login(t, "clinic-1")

	_, err := h.pipeline.Issue(context.Background(), &Request{Method: http.MethodGet, Path: "/api/public"})
	require.NoError(t, err)

	rec := lastRequest(t, h.backend, "/api/public")
	assert.Empty(t, rec.Header.Get("X-Tenant-ID"))
	assert.Equal(t, "Bearer "+tok.AccessToken, rec.Header.Get("Authorization"))
}

func TestIssue_ExplicitTenantOverrideWins(t *testing.T) {
	h := newHarness(t, mock.BackendConfig{})
	h.login(t, "clinic-1")

	req := NewRequest(http.MethodGet, "/api/reports")
	req.Header = http.Header{"X-Tenant-ID": []string{"clinic-7"}}
	_, err := h.pipeline.Issue(context.Background(), req)
	require.NoError(t, err)

	rec := lastRequest(t, h.backend, "/api/reports")
	assert.Equal(t, []string{"clinic-7"}, rec.Header.Values("X-Tenant-ID"))
}

func TestIssue_DefaultTenantWhenSessionHasNone(t *testing.T) {
	h := newHarness(t, mock.BackendConfig{}, func(o *Options) {
		o.Tenants = session.NewTenantResolver("clinic-default")
	})
	h.login(t, "")

	_, err := h.pipeline.Get(context.Background(), "/api/patients")
	require.NoError(t, err)
	assert.Equal(t, "clinic-default", lastRequest(t, h.backend, "/api/patients").Header.Get("X-Tenant-ID"))
}

func TestIssue_ForeignHostGetsNoCredentials(t *testing.T) {
	h := newHarness(t, mock.BackendConfig{})
	h.login(t, "clinic-1")

	var mu sync.Mutex
	var seen http.Header
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer foreign.Close()

	_, err := h.pipeline.Get(context.Background(), foreign.URL+"/maps/tiles")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, seen.Get("Authorization"))
	assert.Empty(t, seen.Get("X-Tenant-ID"))
	assert.Empty(t, seen.Get(RequestIDHeader))
}

func TestIssue_QueryParameters(t *testing.T) {
	h := newHarness(t, mock.BackendConfig{})
	h.login(t, "clinic-1")

	req := NewRequest(http.MethodGet, "/api/patients?page=2")
	req.Query = map[string][]string{"q": {"smith"}}
	_, err := h.pipeline.Issue(context.Background(), req)
	require.NoError(t, err)

	rec := lastRequest(t, h.backend, "/api/patients")
	assert.Contains(t, rec.Query, "page=2")
	assert.Contains(t, rec.Query, "q=smith")
}

func TestIssue_ConcurrentExpiryRefreshesOnce(t *testing.T) {
	const n = 8
	h := newHarness(t, mock.BackendConfig{})
	h.login(t, "clinic-1")
	h.backend.ExpireAll()
	h.backend.HoldUnauthorized(n)

	var wg sync.WaitGroup
	results := make([]*Response, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.pipeline.Get(context.Background(), "/api/records")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "request %d", i)
		assert.True(t, results[i].Retried, "request %d", i)
	}
	assert.Equal(t, 1, h.backend.RefreshCalls())
	assert.Len(t, h.backend.RequestsTo("/api/records"), 2*n, "each request dispatched exactly twice")
	assert.Equal(t, float64(n), testutil.ToFloat64(h.metrics.Retries))

	// Every retry carried the one refreshed credential.
	fresh := "Bearer " + h.store.Credential().AccessToken
	retried := 0
	for _, rec := range h.backend.RequestsTo("/api/records") {
		if rec.Header.Get("Authorization") == fresh {
			retried++
		}
	}
	assert.Equal(t, n, retried)
}

func TestIssue_RefreshFailureEndsSession(t *testing.T) {
	h := newHarness(t, mock.BackendConfig{})
	h.login(t, "clinic-1")
	h.backend.ExpireAll()
	h.backend.RejectRefresh(true)

	events, cancel := h.store.Subscribe()
	defer cancel()

	_, err := h.pipeline.Get(context.Background(), "/api/records")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindAuthExpired))
	assert.True(t, IsKind(err, KindRefreshFailure))
	assert.True(t, IsTerminal(err))
	assert.ErrorIs(t, err, refresh.ErrRefreshRejected)

	assert.False(t, h.store.State().LoggedIn())
	select {
	case tr := <-events:
		assert.Equal(t, session.EventLoggedOut, tr.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no logged-out transition published")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SessionTeardown))

	// Nothing stale goes out after logout.
	_, err = h.pipeline.Get(context.Background(), "/api/records")
	require.Error(t, err)
	assert.Empty(t, lastRequest(t, h.backend, "/api/records").Header.Get("Authorization"))
	assert.Equal(t, 1, h.backend.RefreshCalls(), "no exchange without a refresh credential")
}

func TestIssue_NoSecondRetryAfterRefresh(t *testing.T) {
	h := newHarness(t, mock.BackendConfig{})
	h.login(t, "clinic-1")
	h.backend.SetAlwaysUnauthorized(true)

	_, err := h.pipeline.Get(context.Background(), "/api/records")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindAuthExpired))
	assert.True(t, IsTerminal(err))
	assert.False(t, IsKind(err, KindRefreshFailure))

	assert.Equal(t, 1, h.backend.RefreshCalls())
	assert.Len(t, h.backend.RequestsTo("/api/records"), 2)
	assert.False(t, h.store.State().LoggedIn())
}

func TestIssue_LogoutAndRefreshCallsAreNeverRefreshed(t *testing.T) {
	tests := []struct {
		name string
		req  *Request
	}{
		{
			name: "logout call",
			req:  &Request{Method: http.MethodPost, Path: "/auth/logout", RequiresAuth: true, IsLogoutCall: true},
		},
		{
			name: "refresh call",
			req:  &Request{Method: http.MethodGet, Path: "/api/session", RequiresAuth: true, IsRefreshCall: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, mock.BackendConfig{})
			h.login(t, "clinic-1")
			h.backend.ExpireAll()

			_, err := h.pipeline.Issue(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, IsKind(err, KindAuthExpired))
			assert.False(t, IsTerminal(err))
			assert.Equal(t, 0, h.backend.RefreshCalls())
			assert.True(t, h.store.State().LoggedIn(), "no teardown for unrefreshed calls")
		})
	}
}

func TestIssue_NonAuthFailuresPassThrough(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   Kind
	}{
		{name: "forbidden", status: http.StatusForbidden, kind: KindForbidden},
		{name: "not found", status: http.StatusNotFound, kind: KindClientError},
		{name: "conflict", status: http.StatusConflict, kind: KindClientError},
		{name: "server error", status: http.StatusInternalServerError, kind: KindServerError},
		{name: "unavailable", status: http.StatusServiceUnavailable, kind: KindServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, mock.BackendConfig{})
			h.login(t, "clinic-1")
			h.backend.SetResponse("/api/thing", tt.status, `{"error":"`+tt.name+`"}`)

			_, err := h.pipeline.Get(context.Background(), "/api/thing")
			require.Error(t, err)

			var pe *Error
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.kind, pe.Kind)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Contains(t, pe.Body, tt.name)
			assert.False(t, pe.Terminal)

			assert.Len(t, h.backend.RequestsTo("/api/thing"), 1)
			assert.Equal(t, 0, h.backend.RefreshCalls())
			assert.True(t, h.store.State().LoggedIn())
		})
	}
}

func TestIssue_TransportFailure(t *testing.T) {
	h := newHarness(t, mock.BackendConfig{}, func(o *Options) {
		o.Transport = TransportFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		})
	})
	h.login(t, "clinic-1")

	_, err := h.pipeline.Get(context.Background(), "/api/records")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTransportFailure))
	assert.Equal(t, 0, h.backend.RefreshCalls())
	assert.True(t, h.store.State().LoggedIn())
}

func TestIssue_TransportTimeoutIsTransportFailure(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	h := newHarness(t, mock.BackendConfig{}, func(o *Options) {
		o.BaseURL = slow.URL
		o.Transport = NewHTTPTransport(50*time.Millisecond, 0, 0)
	})
	h.login(t, "clinic-1")

	_, err := h.pipeline.Get(context.Background(), "/api/records")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTransportFailure))
}

func TestIssue_LateRejectionUsesSettledRefresh(t *testing.T) {
	inTransport := make(chan struct{})
	release := make(chan struct{})
	var held atomic.Bool
	h := newHarness(t, mock.BackendConfig{}, func(o *Options) {
		inner := o.Transport
		o.Transport = TransportFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
			if req.Header.Get("X-Test-Hold") != "" && held.CompareAndSwap(false, true) {
				close(inTransport)
				<-release
			}
			return inner.Send(ctx, req)
		})
	})
	h.login(t, "clinic-1")
	h.backend.ExpireAll()

	// Request B is built with the old credential, then stalls in transit.
	type result struct {
		resp *Response
		err  error
	}
	bDone := make(chan result)
	go func() {
		req := NewRequest(http.MethodGet, "/api/late")
		req.Header = http.Header{"X-Test-Hold": []string{"1"}}
		resp, err := h.pipeline.Issue(context.Background(), req)
		bDone <- result{resp, err}
	}()
	<-inTransport

	// Request A is rejected and refreshes.
	respA, err := h.pipeline.Get(context.Background(), "/api/early")
	require.NoError(t, err)
	assert.True(t, respA.Retried)
	require.Equal(t, 1, h.backend.RefreshCalls())

	// B's 401 now arrives after the refresh settled.
	close(release)
	b := <-bDone
	require.NoError(t, b.err)
	assert.True(t, b.resp.Retried)
	assert.Equal(t, 1, h.backend.RefreshCalls(), "late rejection reuses the settled credential")
}

func TestIssue_TenantSwitchIsAtomicForRequests(t *testing.T) {
	h := newHarness(t, mock.BackendConfig{})
	first := h.backend.Issue("dr.jones", "clinic-1")
	second := h.backend.Issue("dr.jones", "clinic-2")
	tenantOf := map[string]string{
		"Bearer " + first.AccessToken:  "clinic-1",
		"Bearer " + second.AccessToken: "clinic-2",
	}
	require.NoError(t, h.controller.Login(context.Background(), credentialFrom(first), "clinic-1"))

	ctx := context.Background()
	stop := make(chan struct{})
	switched := make(chan struct{})
	go func() {
		defer close(switched)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			tok, tenant := first, "clinic-1"
			if i%2 == 0 {
				tok, tenant = second, "clinic-2"
			}
			cred := credentialFrom(tok)
			_ = h.controller.CommitTenantSwitch(ctx, tenant, &cred)
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := h.pipeline.Get(ctx, "/api/charts")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-switched

	for _, rec := range h.backend.RequestsTo("/api/charts") {
		auth := rec.Header.Get("Authorization")
		assert.Equal(t, tenantOf[auth], rec.Header.Get("X-Tenant-ID"), "tenant and credential from different sessions")
	}
}

func TestIssue_ProactiveRefresh(t *testing.T) {
	h := newHarness(t, mock.BackendConfig{TokenLifetime: time.Minute}, func(o *Options) {
		o.ProactiveRefresh = 2 * time.Minute
	})
	tok := h.login(t, "clinic-1")

	resp, err := h.pipeline.Get(context.Background(), "/api/records")
	require.NoError(t, err)
	assert.False(t, resp.Retried)
	assert.Equal(t, 1, h.backend.RefreshCalls())

	rec := lastRequest(t, h.backend, "/api/records")
	assert.NotEqual(t, "Bearer "+tok.AccessToken, rec.Header.Get("Authorization"))
}

func TestIssue_ProactiveRefreshRejectedEndsSession(t *testing.T) {
	h := newHarness(t, mock.BackendConfig{TokenLifetime: time.Minute}, func(o *Options) {
		o.ProactiveRefresh = 2 * time.Minute
	})
	h.login(t, "clinic-1")
	h.backend.RejectRefresh(true)

	_, err := h.pipeline.Get(context.Background(), "/api/records")
	require.Error(t, err)
	assert.True(t, IsTerminal(err))
	assert.True(t, IsKind(err, KindAuthExpired))
	assert.True(t, IsKind(err, KindRefreshFailure))
	assert.ErrorIs(t, err, refresh.ErrRefreshRejected)
	assert.False(t, h.store.State().LoggedIn())
	assert.Empty(t, h.backend.RequestsTo("/api/records"))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SessionTeardown))

	for i := 0; i < 4; i++ {
		_, err := h.pipeline.Get(context.Background(), "/api/records")
		require.Error(t, err)
	}
	assert.Equal(t, 1, h.backend.RefreshCalls())
}

// refresherFunc adapts a function to the Refresher interface.
type refresherFunc func(ctx context.Context, stale string) refresh.Outcome

func (f refresherFunc) RequestRefresh(ctx context.Context, stale string) refresh.Outcome {
	return f(ctx, stale)
}

func TestIssue_ProactiveRefreshTransientFailureIsNotFatal(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, mock.BackendConfig{TokenLifetime: time.Minute}, func(o *Options) {
		o.ProactiveRefresh = 2 * time.Minute
		o.Refresher = refresherFunc(func(ctx context.Context, stale string) refresh.Outcome {
			calls.Add(1)
			return refresh.Outcome{Err: fmt.Errorf("%w: identity backend unavailable", refresh.ErrRefreshFailed)}
		})
	})
	tok := h.login(t, "clinic-1")

	_, err := h.pipeline.Get(context.Background(), "/api/records")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, h.store.State().LoggedIn())
	assert.Equal(t, "Bearer "+tok.AccessToken, lastRequest(t, h.backend, "/api/records").Header.Get("Authorization"))
}

func TestIssue_CancelledWaiterKeepsSession(t *testing.T) {
	h := newHarness(t, mock.BackendConfig{})
	h.login(t, "clinic-1")
	h.backend.ExpireAll()
	h.backend.SetRefreshDelay(500 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := h.pipeline.Get(ctx, "/api/records")
	require.Error(t, err)
	assert.False(t, IsTerminal(err))

	require.Eventually(t, func() bool {
		return h.backend.RefreshCalls() == 1 && h.coordinator.Rounds() == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.True(t, h.store.State().LoggedIn())
}

func TestPostJSON(t *testing.T) {
	h := newHarness(t, mock.BackendConfig{})
	h.login(t, "clinic-1")

	_, err := h.pipeline.Post(context.Background(), "/api/appointments", map[string]string{"patient": "p-1"})
	require.NoError(t, err)

	rec := lastRequest(t, h.backend, "/api/appointments")
	assert.Equal(t, http.MethodPost, rec.Method)
	assert.Equal(t, "application/json", rec.Header.Get("Content-Type"))
	assert.True(t, strings.Contains(string(rec.Body), `"patient":"p-1"`))
}
