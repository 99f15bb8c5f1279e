package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"medrec/pkg/logging"
)

// ErrNoCredential is returned when an operation needs a credential and none is held.
var ErrNoCredential = errors.New("no credential")

// subscriberBuffer is the per-subscriber channel size. When a subscriber
// falls behind, the oldest pending transition is dropped.
const subscriberBuffer = 16

// Clock abstracts time for expiry checks.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store is the credential store. It owns the session State and is the only
// place it is mutated. Every change swaps the whole State under one lock and
// is persisted before the lock is released, so readers observe either the old
// or the new state and the persisted order matches the in-memory order.
type Store struct {
	mu        sync.RWMutex
	state     State
	persister Persister
	clock     Clock

	subsMu  sync.Mutex
	subs    map[int]chan Transition
	nextSub int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock sets the clock used for expiry checks.
func WithClock(c Clock) StoreOption {
	return func(s *Store) {
		s.clock = c
	}
}

// NewStore creates a store and hydrates it from persister.
// A nil persister keeps the session in memory.
func NewStore(ctx context.Context, persister Persister, opts ...StoreOption) (*Store, error) {
	if persister == nil {
		persister = &MemoryPersister{}
	}
	s := &Store{
		persister: persister,
		clock:     realClock{},
		subs:      make(map[int]chan Transition),
	}
	for _, opt := range opts {
		opt(s)
	}

	loaded, err := persister.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate session: %w", err)
	}
	if loaded != nil {
		s.state = loaded.Clone()
		logging.Debug("Session", "Hydrated session (logged_in=%t, tenant=%s)",
			s.state.LoggedIn(), s.state.ActiveTenantID)
	}
	return s, nil
}

// Credential returns a copy of the current credential, or nil.
func (s *Store) Credential() *Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Credential.Clone()
}

// State returns a copy of the whole session.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// SetCredential atomically replaces the credential and persists it. The
// active tenant is kept; the identity is re-derived from the new token when
// it carries claims. The in-memory value is replaced even if persisting fails.
func (s *Store) SetCredential(ctx context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.Clone()
	next.Credential = cred.Clone()
	if id := IdentityFromAccessToken(cred.AccessToken); id != nil {
		next.Identity = id
	}

	ev := EventRefreshed
	if !s.state.LoggedIn() {
		ev = EventLoggedIn
	}
	return s.commitLocked(ctx, next, ev, "")
}

// CompareAndSetCredential replaces the credential only while the held access
// token is still prevAccessToken. It reports whether the swap happened. A
// refresh that settles after a logout or a newer login must not overwrite it.
func (s *Store) CompareAndSetCredential(ctx context.Context, prevAccessToken string, cred Credential) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Credential.Present() || s.state.Credential.AccessToken != prevAccessToken {
		return false, nil
	}

	next := s.state.Clone()
	next.Credential = cred.Clone()
	if id := IdentityFromAccessToken(cred.AccessToken); id != nil {
		next.Identity = id
	}
	return true, s.commitLocked(ctx, next, EventRefreshed, "")
}

// Clear atomically removes the credential, tenant and identity from memory
// and persisted storage.
func (s *Store) Clear(ctx context.Context) error {
	return s.clear(ctx, "cleared")
}

func (s *Store) clear(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasEmpty := s.state.IsZero()
	s.state = State{}

	var err error
	if delErr := s.persister.Delete(ctx); delErr != nil {
		err = fmt.Errorf("failed to delete persisted session: %w", delErr)
	}

	if !wasEmpty {
		logging.Audit(logging.AuditEvent{Action: "credential_cleared", Outcome: "success", Reason: reason})
		s.publishLocked(EventLoggedOut, reason)
	}
	return err
}

// IsPresentAndFormallyValid reports whether a credential is held and, when
// its expiry is known, that expiry is in the future. Unknown expiry counts as
// valid until a 401 proves otherwise.
func (s *Store) IsPresentAndFormallyValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred := s.state.Credential
	return cred.Present() && !cred.ExpiredAt(s.clock.Now())
}

// ExpiresWithin reports whether the credential has a known expiry inside d.
func (s *Store) ExpiresWithin(d time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred := s.state.Credential
	if !cred.Present() || cred.ExpiresAt.IsZero() {
		return false
	}
	return !s.clock.Now().Add(d).Before(cred.ExpiresAt)
}

// Reload re-reads the persisted session, picking up changes made by another
// process. Nothing is written back. The read happens under the write lock so
// a commit from this process can never be replaced by an older snapshot.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload session: %w", err)
	}

	var next State
	if loaded != nil {
		next = loaded.Clone()
	}
	if sameState(next, s.state) {
		return nil
	}

	wasLoggedIn := s.state.LoggedIn()
	s.state = next

	ev := EventReloaded
	if wasLoggedIn && !next.LoggedIn() {
		ev = EventLoggedOut
	}
	logging.Debug("Session", "Reloaded session from storage (logged_in=%t)", next.LoggedIn())
	s.publishLocked(ev, "external change")
	return nil
}

// replace swaps the whole state. Used by Controller for login and tenant switches.
func (s *Store) replace(ctx context.Context, mutate func(State) (State, error), ev EventType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := mutate(s.state.Clone())
	if err != nil {
		return err
	}
	return s.commitLocked(ctx, next, ev, "")
}

// commitLocked installs next and persists it. REQUIRES: s.mu held for writing.
func (s *Store) commitLocked(ctx context.Context, next State, ev EventType, reason string) error {
	s.state = next

	var err error
	if saveErr := s.persister.Save(ctx, next); saveErr != nil {
		logging.Warn("Session", "Failed to persist session: %v", saveErr)
		err = fmt.Errorf("failed to persist session: %w", saveErr)
	}

	s.publishLocked(ev, reason)
	return err
}

// Subscribe returns a channel of transitions and a function that ends the
// subscription. The channel is closed by the cancel function.
func (s *Store) Subscribe() (<-chan Transition, func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Transition, subscriberBuffer)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

// publishLocked fans a transition out without blocking. REQUIRES: s.mu held,
// which keeps transitions in commit order.
func (s *Store) publishLocked(ev EventType, reason string) {
	tr := Transition{Type: ev, State: s.state.Clone(), Reason: reason, At: s.clock.Now()}

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- tr:
		default:
			// Drop the oldest so the latest transition is never lost.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- tr:
			default:
			}
		}
	}
}

// sameState compares the persisted forms, which ignores monotonic clock
// readings that never survive a round trip through storage.
func sameState(a, b State) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
