package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"medrec/internal/metrics"
	"medrec/internal/session"
	"medrec/pkg/logging"
)

// DefaultTimeout bounds a single exchange.
const DefaultTimeout = 30 * time.Second

// roundKey is the only singleflight key: there is one session per coordinator.
const roundKey = "refresh"

// Exchanger performs one refresh_token grant.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (*session.Credential, error)
}

// Store is the subset of the credential store the coordinator uses.
type Store interface {
	Credential() *session.Credential
	CompareAndSetCredential(ctx context.Context, prevAccessToken string, cred session.Credential) (bool, error)
}

// Outcome is what every waiter of a round receives.
type Outcome struct {
	Credential *session.Credential
	Err        error
}

// OK reports whether the refresh succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil && o.Credential.Present()
}

// Pending describes the round in flight.
type Pending struct {
	StartedAt time.Time
}

// Coordinator runs at most one refresh exchange at a time.
type Coordinator struct {
	store     Store
	exchanger Exchanger
	timeout   time.Duration
	clock     session.Clock
	metrics   *metrics.Metrics

	group singleflight.Group

	mu      sync.Mutex
	pending *Pending

	rounds atomic.Int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout bounds each exchange. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock sets the clock used for Pending.StartedAt.
func WithClock(clock session.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithMetrics records rounds and waiters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// NewCoordinator returns an idle coordinator.
func NewCoordinator(store Store, exchanger Exchanger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		exchanger: exchanger,
		timeout:   DefaultTimeout,
		clock:     systemClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestRefresh obtains a fresh credential on behalf of a request that was
// rejected while carrying staleAccessToken. Concurrent callers share one
// exchange. If ctx ends first the caller stops waiting, but the round runs on.
func (c *Coordinator) RequestRefresh(ctx context.Context, staleAccessToken string) Outcome {
	c.metrics.IncRefreshWaiter()

	if out, settled := c.settled(staleAccessToken); settled {
		return out
	}

	ch := c.group.DoChan(roundKey, func() (interface{}, error) {
		// Double-check: a round may have settled between the check above
		// and acquiring the flight.
		if out, settled := c.settled(staleAccessToken); settled {
			return out.Credential, out.Err
		}
		return c.runRound(ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Outcome{Err: res.Err}
		}
		cred, _ := res.Val.(*session.Credential)
		return Outcome{Credential: cred.Clone()}
	case <-ctx.Done():
		return Outcome{Err: fmt.Errorf("stopped waiting for refresh: %w", ctx.Err())}
	}
}

// Pending returns the round in flight, if any.
func (c *Coordinator) Pending() (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Pending{}, false
	}
	return *c.pending, true
}

// Rounds returns how many exchanges have been performed.
func (c *Coordinator) Rounds() int64 {
	return c.rounds.Load()
}

// settled answers without an exchange when the store already holds a newer
// credential than the one that was rejected, or holds nothing refreshable.
func (c *Coordinator) settled(staleAccessToken string) (Outcome, bool) {
	cred := c.store.Credential()
	if cred.Present() && cred.AccessToken != staleAccessToken {
		return Outcome{Credential: cred}, true
	}
	if !cred.Refreshable() {
		return Outcome{Err: ErrNoRefreshCredential}, true
	}
	return Outcome{}, false
}

func (c *Coordinator) runRound(ctx context.Context) (*session.Credential, error) {
	current := c.store.Credential()
	if !current.Refreshable() {
		return nil, ErrNoRefreshCredential
	}

	c.mu.Lock()
	c.pending = &Pending{StartedAt: c.clock.Now()}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	}()

	exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	logging.Debug("Refresh", "Starting refresh round")
	next, err := c.exchanger.Exchange(exCtx, current.RefreshToken)
	c.rounds.Add(1)
	if err != nil {
		err = classify(err)
		c.metrics.ObserveRefreshRound("failure")
		logging.Audit(logging.AuditEvent{Action: "refresh", Outcome: "failure", Reason: err.Error()})
		return nil, err
	}
	if !next.Present() {
		c.metrics.ObserveRefreshRound("failure")
		return nil, fmt.Errorf("%w: exchange returned no access token", ErrRefreshFailed)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}

	swapped, err := c.store.CompareAndSetCredential(exCtx, current.AccessToken, *next)
	if err != nil {
		// The in-memory credential was replaced; only persisting failed.
		logging.Warn("Refresh", "Refreshed credential not persisted: %v", err)
	}
	if !swapped {
		c.metrics.ObserveRefreshRound("discarded")
		if cur := c.store.Credential(); cur.Present() {
			return cur, nil
		}
		logging.Info("Refresh", "Session ended while refreshing, discarding result")
		return nil, ErrSessionEnded
	}

	c.metrics.ObserveRefreshRound("success")
	logging.Audit(logging.AuditEvent{Action: "refresh", Outcome: "success"})
	return next.Clone(), nil
}

// IsUnrecoverable reports whether err from RequestRefresh means the session
// cannot continue, as opposed to the caller having stopped waiting.
func IsUnrecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRefreshFailed) {
		return true
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
