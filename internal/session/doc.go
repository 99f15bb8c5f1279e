// Package session owns the client-side session: the credential store, the
// tenant resolver and the session controller.
//
// # Ownership
//
// State (credential, active tenant, identity) lives only inside Store. Readers
// get copies; writers go through Store.SetCredential, Store.Clear or the
// Controller. Each change swaps the whole State under one lock and is
// persisted before the lock is released, so a concurrent reader sees either
// the old or the new (tenant, credential) pair, never a mix.
//
// # Observing transitions
//
//	ch, cancel := store.Subscribe()
//	defer cancel()
//	for tr := range ch {
//	    if tr.Type == session.EventLoggedOut {
//	        // redirect to login
//	    }
//	}
//
// # Persistence
//
// FilePersister keeps the session in a 0600 JSON file and is built on afero so
// tests can run against an in-memory filesystem. FileWatcher reloads the store
// when another process rewrites that file.
//
// Token values are never logged.
package session
