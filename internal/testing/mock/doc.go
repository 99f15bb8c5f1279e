// Package mock provides test doubles for the medrec request pipeline.
//
// Backend is an httptest server that plays both roles the client talks to:
// the identity backend (token endpoint with password and refresh_token grants,
// OIDC discovery) and the clinical-records REST API (bearer-protected /api
// routes, tenant switch, tenant list, logout). It records every request it
// receives and counts refresh exchanges, so tests can assert on the exact
// headers a request carried and on how many refresh rounds ran.
//
// Expiry is simulated by calling Expire or ExpireAll rather than waiting.
// HoldUnauthorized makes the next n rejections wait for each other before
// any of them is answered, which lets tests deterministically produce a burst
// of concurrent 401s against the same stale credential.
//
// AccessToken builds JWT-shaped tokens carrying arbitrary claims. They are
// not signed and must only be used where claims are read without verification.
//
// MockClock implements a controllable clock for expiry checks.
package mock
