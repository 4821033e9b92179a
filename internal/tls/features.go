package tls

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"strings"
	"time"
)

var protocolNames = map[uint16]string{
	tls.VersionTLS10: "TLS 1.0",
	tls.VersionTLS11: "TLS 1.1",
	tls.VersionTLS12: "TLS 1.2",
	tls.VersionTLS13: "TLS 1.3",
}

// TLSConnectionFeature describes the security negotiated for a connection.
// It is registered on the connection before the handshake and filled in
// only when the handshake succeeds.
type TLSConnectionFeature struct {
	Protocol            uint16
	ApplicationProtocol string
	ServerName          string
	CipherSuite         uint16

	LocalCertificate  *x509.Certificate
	RemoteCertificate *x509.Certificate

	CipherAlgorithm      string
	CipherStrength       int
	HashAlgorithm        string
	HashStrength         int
	KeyExchangeAlgorithm string
	KeyExchangeStrength  int

	DidResume         bool
	HandshakeDuration time.Duration
}

// ProtocolName returns the negotiated version as "TLS 1.x".
func (f *TLSConnectionFeature) ProtocolName() string {
	if name, ok := protocolNames[f.Protocol]; ok {
		return name
	}
	return tls.VersionName(f.Protocol)
}

// CipherSuiteName returns the IANA name of the negotiated suite.
func (f *TLSConnectionFeature) CipherSuiteName() string {
	return tls.CipherSuiteName(f.CipherSuite)
}

func (f *TLSConnectionFeature) populate(cs tls.ConnectionState, local, remote *x509.Certificate, duration time.Duration) {
	f.Protocol = cs.Version
	f.ApplicationProtocol = cs.NegotiatedProtocol
	f.ServerName = cs.ServerName
	f.CipherSuite = cs.CipherSuite
	f.LocalCertificate = local
	f.RemoteCertificate = remote
	f.DidResume = cs.DidResume
	f.HandshakeDuration = duration

	suite := describeCipherSuite(cs.CipherSuite)
	f.CipherAlgorithm = suite.cipher
	f.CipherStrength = suite.cipherStrength
	f.HashAlgorithm = suite.hash
	f.HashStrength = suite.hashStrength
	f.KeyExchangeAlgorithm = suite.keyExchange
	f.KeyExchangeStrength = keyExchangeStrength(suite.keyExchange, cs.CurveID, local)
}

// ApplicationProtocolFeature carries the ALPN result. The protocol is empty
// when the client did not negotiate one.
type ApplicationProtocolFeature struct {
	ApplicationProtocol string
}

// SecureStreamFeature exposes the in-progress TLS stream to certificate
// selectors and later stages.
type SecureStreamFeature struct {
	Stream *tls.Conn
}

type cipherSuiteDescription struct {
	keyExchange    string
	cipher         string
	cipherStrength int
	hash           string
	hashStrength   int
}

// describeCipherSuite splits an IANA suite name such as
// TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256 into its components. TLS 1.3 names
// carry no key exchange, which is always ephemeral (EC)DH.
func describeCipherSuite(id uint16) cipherSuiteDescription {
	name := strings.TrimPrefix(tls.CipherSuiteName(id), "TLS_")

	var d cipherSuiteDescription
	rest := name
	if kx, bulk, ok := strings.Cut(name, "_WITH_"); ok {
		d.keyExchange, _, _ = strings.Cut(kx, "_")
		rest = bulk
	} else {
		d.keyExchange = "ECDHE"
	}

	if i := strings.LastIndex(rest, "_"); i > 0 {
		d.cipher = rest[:i]
		d.hash = rest[i+1:]
	} else {
		d.cipher = rest
	}
	if d.hash == "SHA" {
		d.hash = "SHA1"
	}

	switch {
	case strings.HasPrefix(d.cipher, "AES_128"):
		d.cipherStrength = 128
	case strings.HasPrefix(d.cipher, "AES_256"), strings.HasPrefix(d.cipher, "CHACHA20"):
		d.cipherStrength = 256
	case strings.HasPrefix(d.cipher, "3DES"):
		d.cipherStrength = 168
	case strings.HasPrefix(d.cipher, "RC4_128"):
		d.cipherStrength = 128
	}

	switch d.hash {
	case "SHA1":
		d.hashStrength = 160
	case "SHA256":
		d.hashStrength = 256
	case "SHA384":
		d.hashStrength = 384
	}
	return d
}

// keyExchangeStrength is the group size for ephemeral exchanges, or the
// server key size for static RSA key transport.
func keyExchangeStrength(keyExchange string, curve tls.CurveID, local *x509.Certificate) int {
	if keyExchange == "RSA" {
		if local == nil {
			return 0
		}
		switch pub := local.PublicKey.(type) {
		case *rsa.PublicKey:
			return pub.N.BitLen()
		case *ecdsa.PublicKey:
			return pub.Curve.Params().BitSize
		case ed25519.PublicKey:
			return 256
		}
		return 0
	}

	switch curve {
	case tls.X25519, tls.X25519MLKEM768:
		return 255
	case tls.CurveP256:
		return 256
	case tls.CurveP384:
		return 384
	case tls.CurveP521:
		return 521
	}
	return 0
}
