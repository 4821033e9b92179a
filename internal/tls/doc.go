// Package tls secures accepted connections with a server-side TLS handshake.
//
// HandshakeMiddleware runs as a connection.Middleware. It interposes a
// crypto/tls server over the connection's pipe transport through a
// DuplexPipeStreamAdapter, publishes a TLSConnectionFeature describing the
// negotiated security and hands the next handler a transport that carries
// decrypted application data. Handshake failures abort the connection
// without reaching the next handler.
//
// The package also contains the certificate policy used for server and
// client certificates, a file-backed certificate store with hot reload and
// expiry monitoring, and the mapping from file configuration to middleware
// options.
package tls
