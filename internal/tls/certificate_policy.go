package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"strings"
	"time"
)

// PolicyErrors is the set of trust problems found while evaluating a remote
// certificate chain.
type PolicyErrors uint8

// PolicyErrorsNone means the chain verified cleanly.
const PolicyErrorsNone PolicyErrors = 0

const (
	RemoteCertificateNotAvailable PolicyErrors = 1 << iota
	RemoteCertificateNameMismatch
	RemoteCertificateChainErrors
)

func (p PolicyErrors) String() string {
	if p == PolicyErrorsNone {
		return "none"
	}
	var names []string
	if p&RemoteCertificateNotAvailable != 0 {
		names = append(names, "not_available")
	}
	if p&RemoteCertificateNameMismatch != 0 {
		names = append(names, "name_mismatch")
	}
	if p&RemoteCertificateChainErrors != 0 {
		names = append(names, "chain_errors")
	}
	return strings.Join(names, "|")
}

// IsAllowedForServerAuth reports whether cert may be presented as a TLS
// server identity. A certificate without extended key usages is accepted;
// otherwise serverAuth (or anyExtendedKeyUsage) must be listed. When key
// usage is present it must allow digitalSignature or keyEncipherment.
func IsAllowedForServerAuth(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}

	if len(cert.ExtKeyUsage) > 0 || len(cert.UnknownExtKeyUsage) > 0 {
		allowed := false
		for _, usage := range cert.ExtKeyUsage {
			if usage == x509.ExtKeyUsageServerAuth || usage == x509.ExtKeyUsageAny {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if cert.KeyUsage != 0 &&
		cert.KeyUsage&(x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment) == 0 {
		return false
	}

	return true
}

// CanonicalizeCertificate parses DER bytes into an *x509.Certificate. Empty
// input yields (nil, nil).
func CanonicalizeCertificate(raw []byte) (*x509.Certificate, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, NewCertificateParsingError("der", err)
	}
	return cert, nil
}

// LeafCertificate returns the parsed leaf of a key pair, parsing it when
// Leaf is not populated.
func LeafCertificate(cert *tls.Certificate) (*x509.Certificate, error) {
	if cert == nil || len(cert.Certificate) == 0 {
		return nil, NewTLSError(ErrorTypeCertificateParsing, "certificate chain is empty")
	}
	if cert.Leaf != nil {
		return cert.Leaf, nil
	}
	return CanonicalizeCertificate(cert.Certificate[0])
}

// ValidateServerCertificate applies IsAllowedForServerAuth to a key pair.
func ValidateServerCertificate(cert *tls.Certificate) error {
	leaf, err := LeafCertificate(cert)
	if err != nil {
		return err
	}
	if !IsAllowedForServerAuth(leaf) {
		return NewCertificateUsageError(leaf.Subject.String())
	}
	return nil
}

// EvaluateRemoteCertificate verifies a client chain for client
// authentication against roots (system roots when nil). The leaf is
// chain[0]; the rest are treated as intermediates.
func EvaluateRemoteCertificate(chain []*x509.Certificate, roots *x509.CertPool, now time.Time) ([][]*x509.Certificate, PolicyErrors) {
	if len(chain) == 0 || chain[0] == nil {
		return nil, RemoteCertificateNotAvailable
	}

	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}

	verified, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return nil, RemoteCertificateChainErrors
	}
	return verified, PolicyErrorsNone
}

// RemoteCertificateValidator decides whether to accept a client
// certificate. chain holds the certificates the client presented after the
// leaf.
type RemoteCertificateValidator func(cert *x509.Certificate, chain []*x509.Certificate, policyErrors PolicyErrors) bool

var errRemoteCertificateRequired = errors.New("client certificate required")

// remoteCertificateVerifier returns the engine callback that decides on the
// client certificate:
//   - no certificate is accepted unless the mode is RequireCertificate;
//   - without a validator the chain must verify with no policy errors;
//   - with a validator, its decision is final.
func remoteCertificateVerifier(mode ClientCertificateMode, validator RemoteCertificateValidator, roots *x509.CertPool, now func() time.Time) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			if mode == RequireCertificate {
				return NewClientAuthError("no certificate presented", errRemoteCertificateRequired)
			}
			return nil
		}

		_, policyErrors := EvaluateRemoteCertificate(cs.PeerCertificates, roots, now())
		if validator == nil && policyErrors != PolicyErrorsNone {
			return NewClientAuthError("certificate is not trusted", nil).
				WithContext("policy_errors", policyErrors.String())
		}

		cert, err := CanonicalizeCertificate(cs.PeerCertificates[0].Raw)
		if err != nil || cert == nil {
			return NewClientAuthError("certificate could not be parsed", err)
		}

		if validator != nil && !validator(cert, cs.PeerCertificates[1:], policyErrors) {
			return NewTLSError(ErrorTypeCertificateRejected, "client certificate rejected by validator").
				WithContext("subject", cert.Subject.String()).
				WithContext("policy_errors", policyErrors.String())
		}
		return nil
	}
}
