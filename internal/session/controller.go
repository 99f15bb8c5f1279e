package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"medrec/pkg/logging"
)

// Controller reacts to session-level events: login, explicit logout,
// unrecoverable authentication failure and tenant switches. It is the only
// writer of the active tenant.
type Controller struct {
	store *Store

	permMu    sync.Mutex
	permKey   string
	permCache PermissionSet
}

// NewController returns a controller over store.
func NewController(store *Store) *Controller {
	return &Controller{store: store}
}

// Store returns the underlying credential store.
func (c *Controller) Store() *Store {
	return c.store
}

// Login installs a freshly obtained credential and, when non-empty, the
// tenant to work in. Prior cached permissions are discarded.
func (c *Controller) Login(ctx context.Context, cred Credential, tenantID string) error {
	if !cred.Present() {
		return ErrNoCredential
	}
	c.evictPermissions()

	err := c.store.replace(ctx, func(_ State) (State, error) {
		next := State{
			Credential:     cred.Clone(),
			ActiveTenantID: tenantID,
			Identity:       IdentityFromAccessToken(cred.AccessToken),
		}
		if next.ActiveTenantID == "" && next.Identity != nil {
			next.ActiveTenantID = next.Identity.TenantID
		}
		return next, nil
	}, EventLoggedIn)

	st := c.store.State()
	audit := logging.AuditEvent{Action: "login", Outcome: "success", TenantID: st.ActiveTenantID}
	if st.Identity != nil {
		audit.Subject = st.Identity.Subject
	}
	logging.Audit(audit)
	return err
}

// OnUnrecoverableAuthFailure tears the session down after a refresh failure
// or a 401 on a retried request. It clears the store, evicts cached
// permissions and publishes the logged-out transition. Safe to call from many
// goroutines for the same failure; only the first publishes.
func (c *Controller) OnUnrecoverableAuthFailure(ctx context.Context, reason error) {
	msg := "authentication failed"
	if reason != nil {
		msg = reason.Error()
	}

	c.evictPermissions()
	if err := c.store.clear(ctx, msg); err != nil {
		logging.Error("Session", err, "Failed to clear persisted session after auth failure")
	}
	logging.Warn("Session", "Session ended: %s", msg)
}

// Logout ends the session on user request.
func (c *Controller) Logout(ctx context.Context) error {
	c.evictPermissions()
	return c.store.clear(ctx, "logout")
}

// CommitTenantSwitch replaces the active tenant and, when the backend issued
// a credential scoped to that tenant, the credential in one step. No reader
// can observe the new tenant with the old credential or the reverse.
func (c *Controller) CommitTenantSwitch(ctx context.Context, tenantID string, scoped *Credential) error {
	if tenantID == "" {
		return errors.New("tenant id is required")
	}

	err := c.store.replace(ctx, func(cur State) (State, error) {
		if !cur.LoggedIn() {
			return cur, fmt.Errorf("cannot switch tenant: %w", ErrNoCredential)
		}
		next := cur
		next.ActiveTenantID = tenantID
		if scoped.Present() {
			next.Credential = scoped.Clone()
			if next.Credential.RefreshToken == "" {
				next.Credential.RefreshToken = cur.Credential.RefreshToken
			}
			if id := IdentityFromAccessToken(scoped.AccessToken); id != nil {
				next.Identity = id
			}
		}
		return next, nil
	}, EventTenantSwitched)
	if errors.Is(err, ErrNoCredential) {
		return err
	}
	if err != nil {
		// The in-memory switch happened; only persistence failed.
		logging.Warn("Session", "Tenant switch committed but not persisted: %v", err)
	}

	c.evictPermissions()
	logging.Audit(logging.AuditEvent{
		Action:   "tenant_switched",
		Outcome:  "success",
		TenantID: tenantID,
		Reason:   fmt.Sprintf("rescoped_credential=%t", scoped.Present()),
	})
	return err
}

// Permissions returns the authorization derivation for the current identity.
// The result is cached per access token and evicted on logout or switch.
func (c *Controller) Permissions() PermissionSet {
	st := c.store.State()
	key := ""
	if st.Credential != nil {
		key = st.Credential.AccessToken
	}

	c.permMu.Lock()
	defer c.permMu.Unlock()
	if c.permCache != nil && c.permKey == key {
		return c.permCache
	}
	c.permCache = DerivePermissions(st.Identity)
	c.permKey = key
	return c.permCache
}

func (c *Controller) evictPermissions() {
	c.permMu.Lock()
	c.permCache = nil
	c.permKey = ""
	c.permMu.Unlock()
}
