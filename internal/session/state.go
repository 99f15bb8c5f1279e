package session

import "time"

// State is the whole session: credential, active tenant and identity.
// Values handed out by Store are copies.
type State struct {
	Credential     *Credential `json:"credential,omitempty"`
	ActiveTenantID string      `json:"active_tenant_id,omitempty"`
	Identity       *Identity   `json:"identity,omitempty"`
}

// LoggedIn reports whether the session holds an access credential.
func (s State) LoggedIn() bool {
	return s.Credential.Present()
}

// Clone returns a deep copy.
func (s State) Clone() State {
	return State{
		Credential:     s.Credential.Clone(),
		ActiveTenantID: s.ActiveTenantID,
		Identity:       s.Identity.Clone(),
	}
}

// IsZero reports whether nothing is held.
func (s State) IsZero() bool {
	return s.Credential == nil && s.ActiveTenantID == "" && s.Identity == nil
}

// EventType names a session transition.
type EventType string

const (
	EventLoggedIn       EventType = "logged_in"
	EventRefreshed      EventType = "refreshed"
	EventTenantSwitched EventType = "tenant_switched"
	EventLoggedOut      EventType = "logged_out"
	EventReloaded       EventType = "reloaded"
)

// Transition is published to subscribers after every committed change.
type Transition struct {
	Type   EventType
	State  State
	Reason string
	At     time.Time
}
