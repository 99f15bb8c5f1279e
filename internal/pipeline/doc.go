// Package pipeline is the single entry point for backend calls.
//
// Every request passes the same ordered stages:
//
//  1. base resolution: relative paths are qualified against the backend
//     address; absolute URLs to other hosts skip stages 2 and 3
//  2. tenant injection: the active tenant header, for authenticated calls
//  3. credential injection: the bearer credential, when one is held
//  4. dispatch through the Transport
//  5. classification into a Kind
//  6. on a 401, one refresh through the refresh coordinator followed by
//     exactly one re-dispatch with the new credential
//
// Stages 2 and 3 read the session from a single snapshot, so a request never
// carries a tenant from one session state and a credential from another.
//
// A refresh failure, or a 401 on the re-dispatched request, ends the session
// through the SessionController and is surfaced as a terminal KindAuthExpired
// error. Refresh and logout calls are never refreshed. Every other outcome is
// returned as is, without retry.
package pipeline
