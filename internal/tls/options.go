package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/polisai/httpsconn/pkg/connection"
)

// DefaultHandshakeTimeout bounds a handshake when none is configured.
const DefaultHandshakeTimeout = 10 * time.Second

// ClientCertificateMode controls whether clients are asked for a certificate.
type ClientCertificateMode int

const (
	// NoCertificate never requests a client certificate.
	NoCertificate ClientCertificateMode = iota
	// AllowCertificate requests a certificate but accepts clients without one.
	AllowCertificate
	// RequireCertificate fails the handshake when no certificate is sent.
	RequireCertificate
)

func (m ClientCertificateMode) String() string {
	switch m {
	case NoCertificate:
		return "none"
	case AllowCertificate:
		return "allow"
	case RequireCertificate:
		return "require"
	default:
		return fmt.Sprintf("ClientCertificateMode(%d)", int(m))
	}
}

// ParseClientCertificateMode accepts "none", "allow" or "require".
func ParseClientCertificateMode(s string) (ClientCertificateMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "no_certificate":
		return NoCertificate, nil
	case "allow", "allow_certificate":
		return AllowCertificate, nil
	case "require", "required", "require_certificate":
		return RequireCertificate, nil
	default:
		return NoCertificate, NewConfigValidationError("client_certificate_mode", s, "expected none, allow or require")
	}
}

// clientAuthType maps the mode onto the engine setting. Verification is done
// by the middleware, so the engine is never asked to verify chains itself.
func (m ClientCertificateMode) clientAuthType() tls.ClientAuthType {
	switch m {
	case AllowCertificate:
		return tls.RequestClientCert
	case RequireCertificate:
		return tls.RequireAnyClientCert
	default:
		return tls.NoClientCert
	}
}

// ServerCertificateSelector picks the certificate for a connection from the
// client's server name. A nil certificate with a nil error fails the
// handshake.
type ServerCertificateSelector func(conn *connection.Context, serverName string) (*tls.Certificate, error)

// AuthenticationOptions are the per-handshake parameters handed to
// OnAuthenticateAsServer just before the handshake starts. Changes made by
// the hook apply to that handshake only.
type AuthenticationOptions struct {
	ServerCertificate          *tls.Certificate
	ClientCertificateRequired  bool
	EnabledProtocols           []uint16
	ApplicationProtocols       []string
	CheckCertificateRevocation bool
	CipherSuites               []uint16
}

// HTTPSConnectionOptions configures the handshake middleware.
type HTTPSConnectionOptions struct {
	// LocalCertificate is the server identity. Ignored when
	// LocalServerCertificateSelector is set.
	LocalCertificate *tls.Certificate

	LocalServerCertificateSelector ServerCertificateSelector

	RemoteCertificateMode       ClientCertificateMode
	RemoteCertificateValidation RemoteCertificateValidator

	// ClientCertificateAuthorities are the roots used to compute the policy
	// errors of a client chain. Nil means the system roots.
	ClientCertificateAuthorities *x509.CertPool

	HandshakeTimeout time.Duration
	// DisableHandshakeTimeout runs handshakes without a deadline, e.g. while
	// stepping through the server in a debugger.
	DisableHandshakeTimeout bool

	// SSLProtocols is the set of allowed protocol versions (tls.VersionTLS12,
	// tls.VersionTLS13, ...). Empty selects the secure defaults.
	SSLProtocols []uint16

	CheckCertificateRevocation bool

	// CipherSuites restricts TLS 1.2 suites. Nil keeps the engine defaults.
	CipherSuites []uint16

	// ApplicationProtocols are offered through ALPN in preference order.
	ApplicationProtocols []string

	OnAuthenticateAsServer func(conn *connection.Context, opts *AuthenticationOptions)
}

// clone returns a snapshot so later changes by the caller have no effect.
func (o *HTTPSConnectionOptions) clone() *HTTPSConnectionOptions {
	c := *o
	c.SSLProtocols = slices.Clone(o.SSLProtocols)
	c.CipherSuites = slices.Clone(o.CipherSuites)
	c.ApplicationProtocols = slices.Clone(o.ApplicationProtocols)
	return &c
}

// versionRange converts an allowed-version set into the engine's min/max
// bounds. Versions inside the range that were not listed cannot be
// excluded, which matches how contiguous version sets are used in practice.
func versionRange(protocols []uint16) (uint16, uint16, error) {
	if len(protocols) == 0 {
		return 0, 0, nil
	}

	minVersion, maxVersion := protocols[0], protocols[0]
	for _, v := range protocols {
		if _, ok := protocolNames[v]; !ok {
			return 0, 0, NewConfigValidationError("ssl_protocols", fmt.Sprintf("0x%04x", v), "unsupported protocol version")
		}
		minVersion = min(minVersion, v)
		maxVersion = max(maxVersion, v)
	}
	return minVersion, maxVersion, nil
}
