// Package host runs AICI guest modules on behalf of an inference server.
//
// It abstracts the underlying WASM engine (wazero), instantiates one guest per
// generation session, performs module initialization exactly once per
// instance, and drives the session protocol for the lifetime of a request.
// The host functions guests import are registered from the hostfuncs package.
//
// Only the Runtime ends sessions: callers release them with CloseSession or
// let Generate manage the whole lifecycle.
package host
