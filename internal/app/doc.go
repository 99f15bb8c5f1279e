// Package app wires the medrec client together.
//
// It loads configuration, initialises logging, and builds the session
// store, refresh coordinator, request pipeline and tenant switcher from it.
// Commands in cmd/ talk only to Application; they never construct the
// components themselves.
//
// Bootstrap has two phases:
//  1. configuration: load config.yaml from the config directory on top of
//     the defaults, apply overrides and validate
//  2. wiring: hydrate the session from its file, connect the identity
//     backend lazily, and assemble the pipeline
//
// The identity backend is contacted only when a login or refresh actually
// needs it, so offline commands such as status work without network access.
package app
