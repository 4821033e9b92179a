package tls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// CertificateGenerationOptions contains options for generating certificates
type CertificateGenerationOptions struct {
	CommonName   string
	Organization []string
	DNSNames     []string
	IPAddresses  []net.IP
	ValidFor     time.Duration
	// NotBefore defaults to one minute ago.
	NotBefore time.Time

	IsCA         bool
	IsClientCert bool
	// ExtKeyUsage overrides the usages implied by IsCA and IsClientCert.
	ExtKeyUsage []x509.ExtKeyUsage
	// KeyUsage overrides the default key usage when non-zero.
	KeyUsage x509.KeyUsage

	// RSAKeySize selects an RSA key; zero generates ECDSA P-256.
	RSAKeySize int

	// Parent signs the certificate; nil makes it self-signed.
	Parent *GeneratedCertificate
}

// GeneratedCertificate is a certificate with its private key in both parsed
// and PEM form.
type GeneratedCertificate struct {
	Certificate *x509.Certificate
	Key         crypto.Signer
	CertPEM     []byte
	KeyPEM      []byte
}

// KeyPair returns the certificate as a tls.Certificate with Leaf set.
func (g *GeneratedCertificate) KeyPair() (*tls.Certificate, error) {
	pair, err := tls.X509KeyPair(g.CertPEM, g.KeyPEM)
	if err != nil {
		return nil, NewCertificateParsingError("generated", err)
	}
	pair.Leaf = g.Certificate
	return &pair, nil
}

// GenerateCertificate creates a certificate for development and tests.
func GenerateCertificate(opts CertificateGenerationOptions) (*GeneratedCertificate, error) {
	if opts.ValidFor == 0 {
		opts.ValidFor = 365 * 24 * time.Hour
	}
	if opts.CommonName == "" {
		opts.CommonName = "localhost"
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Minute)
	}

	var key crypto.Signer
	var err error
	if opts.RSAKeySize > 0 {
		key, err = rsa.GenerateKey(rand.Reader, opts.RSAKeySize)
	} else {
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: opts.Organization,
		},
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotBefore.Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
	}
	if opts.RSAKeySize > 0 {
		template.KeyUsage |= x509.KeyUsageKeyEncipherment
	}

	switch {
	case opts.IsCA:
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	case opts.IsClientCert:
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	default:
		if len(template.DNSNames) == 0 && len(template.IPAddresses) == 0 {
			template.DNSNames = []string{"localhost"}
			template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
		}
	}
	if opts.ExtKeyUsage != nil {
		template.ExtKeyUsage = opts.ExtKeyUsage
	}
	if opts.KeyUsage != 0 {
		template.KeyUsage = opts.KeyUsage
	}

	parent, parentKey := template, key
	if opts.Parent != nil {
		parent, parentKey = opts.Parent.Certificate, opts.Parent.Key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, key.Public(), parentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, NewCertificateParsingError("generated", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return &GeneratedCertificate{
		Certificate: cert,
		Key:         key,
		CertPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:      pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// WriteCertificateFiles writes certificate and key to files
func WriteCertificateFiles(certPEM, keyPEM []byte, certFile, keyFile string) error {
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate file: %w", err)
	}

	// Write key file with restricted permissions
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	return nil
}

// GenerateTestCertificates writes a development CA and a server, client and
// SNI certificate signed by it into baseDir.
func GenerateTestCertificates(baseDir string, serverNames []string) error {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	if len(serverNames) == 0 {
		serverNames = []string{"localhost"}
	}

	ca, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName:   "httpsconn development CA",
		Organization: []string{"httpsconn"},
		IsCA:         true,
		ValidFor:     10 * 365 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to generate CA certificate: %w", err)
	}

	set := []struct {
		name string
		opts CertificateGenerationOptions
	}{
		{"ca", CertificateGenerationOptions{}},
		{"server", CertificateGenerationOptions{
			CommonName:  serverNames[0],
			DNSNames:    serverNames,
			IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
			Parent:      ca,
		}},
		{"client", CertificateGenerationOptions{
			CommonName:   "httpsconn development client",
			IsClientCert: true,
			Parent:       ca,
		}},
		{"api", CertificateGenerationOptions{
			CommonName: "api." + serverNames[0],
			DNSNames:   []string{"api." + serverNames[0]},
			Parent:     ca,
		}},
	}

	for _, item := range set {
		generated := ca
		if item.name != "ca" {
			generated, err = GenerateCertificate(item.opts)
			if err != nil {
				return fmt.Errorf("failed to generate %s certificate: %w", item.name, err)
			}
		}
		certFile := filepath.Join(baseDir, item.name+".crt")
		keyFile := filepath.Join(baseDir, item.name+".key")
		if err := WriteCertificateFiles(generated.CertPEM, generated.KeyPEM, certFile, keyFile); err != nil {
			return fmt.Errorf("failed to write %s certificate: %w", item.name, err)
		}
	}

	return nil
}

// CertificateInfo summarizes a certificate for logs and the inspect command.
type CertificateInfo struct {
	ServerName         string
	Subject            string
	Issuer             string
	SerialNumber       string
	NotBefore          time.Time
	NotAfter           time.Time
	DNSNames           []string
	IPAddresses        []net.IP
	IsCA               bool
	ServerAuthAllowed  bool
	SignatureAlgorithm string
	PublicKeyAlgorithm string
	CertFile           string
	KeyFile            string
}

// DaysUntilExpiry is negative once the certificate has expired.
func (i *CertificateInfo) DaysUntilExpiry(now time.Time) int {
	return int(i.NotAfter.Sub(now).Hours() / 24)
}

// NewCertificateInfo describes cert.
func NewCertificateInfo(cert *x509.Certificate) *CertificateInfo {
	return &CertificateInfo{
		Subject:            cert.Subject.String(),
		Issuer:             cert.Issuer.String(),
		SerialNumber:       cert.SerialNumber.Text(16),
		NotBefore:          cert.NotBefore,
		NotAfter:           cert.NotAfter,
		DNSNames:           cert.DNSNames,
		IPAddresses:        cert.IPAddresses,
		IsCA:               cert.IsCA,
		ServerAuthAllowed:  IsAllowedForServerAuth(cert),
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		PublicKeyAlgorithm: cert.PublicKeyAlgorithm.String(),
	}
}

// ReadCertificateFile parses every certificate in a PEM file.
func ReadCertificateFile(certFile string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(filepath.Clean(certFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewFileNotFoundError(certFile)
		}
		return nil, NewTLSErrorWithCause(ErrorTypeCertificateLoad, "failed to read certificate file", err).
			WithContext("cert_file", certFile)
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, NewCertificateParsingError(certFile, err)
		}
		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, NewTLSError(ErrorTypeCertificateParsing, "file does not contain a PEM certificate").
			WithContext("cert_file", certFile).
			WithSuggestion("Check that the file contains -----BEGIN CERTIFICATE----- markers")
	}
	return certs, nil
}
