package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrec/internal/identity"
	"medrec/internal/pipeline"
	"medrec/internal/refresh"
	"medrec/internal/session"
	"medrec/internal/testing/mock"
)

type fixture struct {
	backend    *mock.Backend
	store      *session.Store
	controller *session.Controller
	switcher   *Switcher
}

func newFixture(t *testing.T, cfg mock.BackendConfig) *fixture {
	t.Helper()
	ctx := context.Background()

	backend := mock.NewBackend(cfg)
	t.Cleanup(backend.Close)

	store, err := session.NewStore(ctx, nil)
	require.NoError(t, err)
	controller := session.NewController(store)
	idc, err := identity.New(ctx, identity.Config{TokenURL: backend.TokenURL(), ClientID: "medrec-test"})
	require.NoError(t, err)

	p, err := pipeline.New(pipeline.Options{
		BaseURL:    backend.URL(),
		Transport:  pipeline.NewHTTPTransport(5*time.Second, 0, 0),
		Session:    store,
		Refresher:  refresh.NewCoordinator(store, idc),
		Controller: controller,
	})
	require.NoError(t, err)

	tok := backend.Issue("dr.jones", "clinic-1")
	require.NoError(t, controller.Login(ctx, session.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}, "clinic-1"))

	return &fixture{
		backend:    backend,
		store:      store,
		controller: controller,
		switcher:   NewSwitcher(p, controller, "/auth/switch-tenant", "/tenants"),
	}
}

var clinics = []mock.Tenant{{ID: "clinic-1", Name: "North"}, {ID: "clinic-2", Name: "South"}}

func TestSwitcher_List(t *testing.T) {
	f := newFixture(t, mock.BackendConfig{Tenants: clinics})

	tenants, err := f.switcher.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Tenant{{ID: "clinic-1", Name: "North"}, {ID: "clinic-2", Name: "South"}}, tenants)
}

func TestSwitcher_SwitchWithoutRescope(t *testing.T) {
	f := newFixture(t, mock.BackendConfig{Tenants: clinics})
	before := f.store.Credential().AccessToken

	require.NoError(t, f.switcher.Switch(context.Background(), "clinic-2"))

	st := f.store.State()
	assert.Equal(t, "clinic-2", st.ActiveTenantID)
	assert.Equal(t, before, st.Credential.AccessToken)
}

func TestSwitcher_SwitchWithRescopedCredential(t *testing.T) {
	f := newFixture(t, mock.BackendConfig{Tenants: clinics, RescopeOnSwitch: true})
	before := f.store.Credential().AccessToken

	events, cancel := f.store.Subscribe()
	defer cancel()

	require.NoError(t, f.switcher.Switch(context.Background(), "clinic-2"))

	st := f.store.State()
	assert.Equal(t, "clinic-2", st.ActiveTenantID)
	assert.NotEqual(t, before, st.Credential.AccessToken)
	require.NotNil(t, st.Identity)
	assert.Equal(t, "clinic-2", st.Identity.TenantID)

	tr := <-events
	assert.Equal(t, session.EventTenantSwitched, tr.Type)
	assert.Equal(t, "clinic-2", tr.State.ActiveTenantID)
	assert.Equal(t, st.Credential.AccessToken, tr.State.Credential.AccessToken)
}

func TestSwitcher_RejectedSwitchKeepsSession(t *testing.T) {
	f := newFixture(t, mock.BackendConfig{Tenants: clinics})

	err := f.switcher.Switch(context.Background(), "clinic-99")
	require.Error(t, err)
	assert.True(t, pipeline.IsKind(err, pipeline.KindForbidden))
	assert.Equal(t, "clinic-1", f.store.State().ActiveTenantID)
}

func TestSwitcher_RequiresTenantID(t *testing.T) {
	f := newFixture(t, mock.BackendConfig{})
	require.Error(t, f.switcher.Switch(context.Background(), ""))
	assert.Equal(t, 0, f.backend.SwitchCalls())
}
