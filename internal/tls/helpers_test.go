package tls

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// testPKI is a CA with a server and client certificate, plus a client
// certificate from an unrelated CA.
type testPKI struct {
	ca            *GeneratedCertificate
	server        *GeneratedCertificate
	client        *GeneratedCertificate
	foreignClient *GeneratedCertificate
	roots         *x509.CertPool
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()

	ca, err := GenerateCertificate(CertificateGenerationOptions{CommonName: "test CA", IsCA: true})
	require.NoError(t, err)
	server, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName: "localhost",
		DNSNames:   []string{"localhost"},
		Parent:     ca,
	})
	require.NoError(t, err)
	client, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName:   "test client",
		IsClientCert: true,
		Parent:       ca,
	})
	require.NoError(t, err)

	foreignCA, err := GenerateCertificate(CertificateGenerationOptions{CommonName: "foreign CA", IsCA: true})
	require.NoError(t, err)
	foreignClient, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName:   "foreign client",
		IsClientCert: true,
		Parent:       foreignCA,
	})
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(ca.Certificate)

	return &testPKI{ca: ca, server: server, client: client, foreignClient: foreignClient, roots: roots}
}

// issue signs a server certificate for dnsNames with the test CA.
func (p *testPKI) issue(t *testing.T, dnsNames ...string) *GeneratedCertificate {
	t.Helper()
	cert, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName: dnsNames[0],
		DNSNames:   dnsNames,
		Parent:     p.ca,
	})
	require.NoError(t, err)
	return cert
}

func keyPair(t *testing.T, cert *GeneratedCertificate) *tls.Certificate {
	t.Helper()
	pair, err := cert.KeyPair()
	require.NoError(t, err)
	return pair
}

// clientConfig trusts the test CA and presents the given certificates.
func (p *testPKI) clientConfig(serverName string, certs ...*tls.Certificate) *tls.Config {
	cfg := &tls.Config{
		RootCAs:    p.roots,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
	for _, c := range certs {
		cfg.Certificates = append(cfg.Certificates, *c)
	}
	return cfg
}
