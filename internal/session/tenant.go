package session

// TenantResolver decides which tenant id accompanies an outgoing request.
//
// Resolution is a pure function of the session snapshot handed in. Requests
// built after a tenant switch commits see the new id; requests already
// dispatched keep the id they were built with.
type TenantResolver struct {
	defaultTenant string
}

// NewTenantResolver returns a resolver. defaultTenant, if set, is used only
// when the session has no active tenant.
func NewTenantResolver(defaultTenant string) *TenantResolver {
	return &TenantResolver{defaultTenant: defaultTenant}
}

// ResolveTenantID returns the active tenant recorded in state.
func (r *TenantResolver) ResolveTenantID(state State) (string, bool) {
	if state.ActiveTenantID != "" {
		return state.ActiveTenantID, true
	}
	if r != nil && r.defaultTenant != "" {
		return r.defaultTenant, true
	}
	return "", false
}

// Reconcile applies an explicit per-request override on top of the session
// tenant. A non-empty override always wins.
func (r *TenantResolver) Reconcile(state State, override string) (string, bool) {
	if override != "" {
		return override, true
	}
	return r.ResolveTenantID(state)
}
