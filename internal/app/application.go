package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"medrec/internal/config"
	"medrec/internal/identity"
	"medrec/internal/metrics"
	"medrec/internal/pipeline"
	"medrec/internal/refresh"
	"medrec/internal/session"
	"medrec/internal/tenant"
	"medrec/pkg/logging"
)

// Application owns every long-lived component of the client.
type Application struct {
	config    config.MedrecConfig
	configDir string

	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	persister   session.Persister
	store       *session.Store
	controller  *session.Controller
	identity    *lazyIdentity
	coordinator *refresh.Coordinator
	pipeline    *pipeline.Pipeline
	switcher    *tenant.Switcher

	watchMu sync.Mutex
	watcher *session.FileWatcher
}

// NewApplication loads configuration and builds the application.
func NewApplication(ctx context.Context, cfg *Config) (*Application, error) {
	configDir := cfg.ConfigPath
	if configDir == "" {
		var err error
		configDir, err = config.GetDefaultConfigPath()
		if err != nil {
			return nil, err
		}
	}

	mc, err := config.LoadConfig(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load medrec configuration: %w", err)
	}
	return NewWithConfig(ctx, mc, configDir, cfg)
}

// NewWithConfig builds the application from an already loaded configuration.
func NewWithConfig(ctx context.Context, mc config.MedrecConfig, configDir string, cfg *Config) (*Application, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	initLogging(mc.Logging, cfg)

	if cfg.BackendURL != "" {
		mc.Backend.BaseURL = cfg.BackendURL
	}
	if cfg.TenantID != "" {
		mc.Backend.DefaultTenant = cfg.TenantID
	}
	if err := mc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &Application{
		config:    mc,
		configDir: configDir,
		registry:  prometheus.NewRegistry(),
	}
	a.metrics = metrics.New(a.registry)

	if cfg.InMemorySession {
		a.persister = &session.MemoryPersister{}
	} else {
		path := mc.Session.File
		if path == "" {
			path = filepath.Join(configDir, config.DefaultSessionFile)
		}
		a.persister = session.NewFilePersister(cfg.Fs, path)
	}

	store, err := session.NewStore(ctx, a.persister)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.controller = session.NewController(store)

	transport := pipeline.NewHTTPTransport(mc.Backend.Timeout, mc.Backend.RateLimit, mc.Backend.RateBurst)
	a.identity = &lazyIdentity{config: identity.Config{
		Issuer:       mc.Identity.Issuer,
		TokenURL:     mc.Identity.TokenURL,
		ClientID:     mc.Identity.ClientID,
		ClientSecret: mc.Identity.ClientSecret,
		Scopes:       mc.Identity.Scopes,
		HTTPClient:   &http.Client{Timeout: mc.Backend.Timeout},
	}}

	a.coordinator = refresh.NewCoordinator(store, a.identity,
		refresh.WithTimeout(mc.Identity.RefreshTimeout),
		refresh.WithMetrics(a.metrics),
	)

	a.pipeline, err = pipeline.New(pipeline.Options{
		BaseURL:          mc.Backend.BaseURL,
		TenantHeader:     mc.Backend.TenantHeader,
		ProactiveRefresh: mc.Identity.ProactiveRefresh,
		Transport:        transport,
		Session:          store,
		Tenants:          session.NewTenantResolver(mc.Backend.DefaultTenant),
		Refresher:        a.coordinator,
		Controller:       a.controller,
		Metrics:          a.metrics,
	})
	if err != nil {
		return nil, err
	}

	a.switcher = tenant.NewSwitcher(a.pipeline, a.controller, mc.Backend.SwitchTenantPath, mc.Backend.TenantsPath)

	logging.Debug("App", "Application ready (backend=%s, logged_in=%t)", mc.Backend.BaseURL, store.State().LoggedIn())
	return a, nil
}

func initLogging(lc config.LoggingConfig, cfg *Config) {
	level := logging.ParseLevel(lc.Level)
	if cfg.Debug {
		level = logging.LevelDebug
	}
	out := cfg.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logging.Init(level, logging.Format(lc.Format), out)
}

// Config returns the effective configuration.
func (a *Application) Config() config.MedrecConfig {
	return a.config
}

// Pipeline returns the request pipeline.
func (a *Application) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// ConfigDir returns the configuration directory.
func (a *Application) ConfigDir() string {
	return a.configDir
}

// Store returns the credential store.
func (a *Application) Store() *session.Store {
	return a.store
}

// Login exchanges a username and password and starts a session. An empty
// tenantID takes the tenant from the token claims or the configured default.
func (a *Application) Login(ctx context.Context, username, password, tenantID string) (session.State, error) {
	client, err := a.identity.get(ctx)
	if err != nil {
		return session.State{}, err
	}
	cred, err := client.Login(ctx, username, password)
	if err != nil {
		logging.Audit(logging.AuditEvent{Action: "login", Outcome: "failure", Subject: username, Reason: err.Error()})
		return session.State{}, err
	}
	if err := a.controller.Login(ctx, *cred, tenantID); err != nil {
		return session.State{}, fmt.Errorf("failed to store session: %w", err)
	}
	return a.store.State(), nil
}

// Logout notifies the backend and ends the local session. The backend call
// is best-effort: the local session is cleared even when it fails.
func (a *Application) Logout(ctx context.Context) error {
	if a.store.State().LoggedIn() && a.config.Backend.LogoutPath != "" {
		req := pipeline.NewRequest(http.MethodPost, a.config.Backend.LogoutPath)
		req.IsLogoutCall = true
		if _, err := a.pipeline.Issue(ctx, req); err != nil {
			logging.Warn("App", "Backend logout failed, clearing local session anyway: %v", err)
		}
	}
	return a.controller.Logout(ctx)
}

// Issue sends a request through the pipeline.
func (a *Application) Issue(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error) {
	return a.pipeline.Issue(ctx, req)
}

// Tenants lists the tenants available to the signed-in identity.
func (a *Application) Tenants(ctx context.Context) ([]tenant.Tenant, error) {
	return a.switcher.List(ctx)
}

// SwitchTenant moves the session to tenantID.
func (a *Application) SwitchTenant(ctx context.Context, tenantID string) error {
	return a.switcher.Switch(ctx, tenantID)
}

// Subscribe observes session transitions.
func (a *Application) Subscribe() (<-chan session.Transition, func()) {
	return a.store.Subscribe()
}

// Status summarises the session for display.
type Status struct {
	LoggedIn        bool
	Subject         string
	Email           string
	TenantID        string
	ExpiresAt       time.Time
	Expired         bool
	Refreshable     bool
	RefreshInFlight bool
	Permissions     []string
	SessionFile     string
}

// Status reports the current session without contacting any backend.
func (a *Application) Status() Status {
	st := a.store.State()
	s := Status{
		LoggedIn: st.LoggedIn(),
		TenantID: st.ActiveTenantID,
	}
	if fp, ok := a.persister.(*session.FilePersister); ok {
		s.SessionFile = fp.Path()
	}
	if !s.LoggedIn {
		return s
	}
	if s.TenantID == "" {
		s.TenantID = a.config.Backend.DefaultTenant
	}
	s.ExpiresAt = st.Credential.ExpiresAt
	s.Expired = !a.store.IsPresentAndFormallyValid()
	s.Refreshable = st.Credential.Refreshable()
	_, s.RefreshInFlight = a.coordinator.Pending()
	if st.Identity != nil {
		s.Subject = st.Identity.Subject
		s.Email = st.Identity.Email
	}
	s.Permissions = a.controller.Permissions().Sorted()
	return s
}

// MetricSample is one gathered metric value.
type MetricSample struct {
	Name   string
	Labels string
	Value  float64
}

// Metrics returns the current counter and gauge values. Histograms are
// reported by observation count.
func (a *Application) Metrics() ([]MetricSample, error) {
	families, err := a.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	var samples []MetricSample
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			sample := MetricSample{Name: mf.GetName(), Labels: strings.Join(labels, ",")}
			switch {
			case m.GetCounter() != nil:
				sample.Value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sample.Value = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				sample.Value = float64(m.GetHistogram().GetSampleCount())
			}
			samples = append(samples, sample)
		}
	}
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].Name != samples[j].Name {
			return samples[i].Name < samples[j].Name
		}
		return samples[i].Labels < samples[j].Labels
	})
	return samples, nil
}

// StartWatching reloads the session whenever another process rewrites the
// session file. It is a no-op for sessions kept off the OS filesystem.
func (a *Application) StartWatching() error {
	fp, ok := a.persister.(*session.FilePersister)
	if !ok {
		return nil
	}

	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	if a.watcher != nil {
		return nil
	}
	w := session.NewFileWatcher(a.store, fp)
	err := w.Start()
	if errors.Is(err, session.ErrWatchUnsupported) {
		logging.Debug("App", "Not watching %s: %v", fp.Path(), err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to watch session file: %w", err)
	}
	a.watcher = w
	return nil
}

// Close stops background work.
func (a *Application) Close() error {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	if a.watcher == nil {
		return nil
	}
	err := a.watcher.Stop()
	a.watcher = nil
	return err
}

// lazyIdentity connects to the identity backend on first use, so token
// endpoint discovery only happens when a login or refresh needs it.
type lazyIdentity struct {
	config identity.Config

	mu     sync.Mutex
	client *identity.Client
}

func (l *lazyIdentity) get(ctx context.Context) (*identity.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		return l.client, nil
	}
	client, err := identity.New(ctx, l.config)
	if err != nil {
		return nil, err
	}
	l.client = client
	return client, nil
}

func (l *lazyIdentity) Exchange(ctx context.Context, refreshToken string) (*session.Credential, error) {
	client, err := l.get(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity backend unavailable: %w", err)
	}
	return client.Exchange(ctx, refreshToken)
}
