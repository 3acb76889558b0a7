// Package ctxkey holds the context key types shared between the proxy
// listener and downstream handlers. It imports nothing internal, so
// any package can use it without a cycle.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// The proxy listener stores a logger carrying session_id/client_addr fields
// so downstream handlers log with the same correlation keys.
type LoggerKey struct{}

// IdentityKey is the context key type for the authenticated proxy identity.
// Set once Proxy-Authorization credentials verify; intercept handlers and
// the capture pipeline read it.
type IdentityKey struct{}
