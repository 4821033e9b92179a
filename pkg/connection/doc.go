// Package connection defines the per-connection context that flows through
// the middleware pipeline: the replaceable duplex transport, the typed
// feature registry and the abort hook supplied by the server.
package connection
