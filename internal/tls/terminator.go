package tls

import (
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/polisai/httpsconn/pkg/config"
)

// BuildHTTPSOptions maps the file configuration onto middleware options.
// Certificates are loaded into store, which becomes the certificate
// selector when SNI or hot reload is configured; otherwise the default
// certificate is used statically.
func BuildHTTPSOptions(cfg config.HTTPSConfig, store *FileCertificateStore) (*HTTPSConnectionOptions, error) {
	if store == nil {
		return nil, NewConfigMissingError("certificate_store")
	}

	opts := &HTTPSConnectionOptions{
		HandshakeTimeout:           cfg.HandshakeTimeout,
		DisableHandshakeTimeout:    cfg.DisableHandshakeTimeout,
		CheckCertificateRevocation: cfg.CheckCertificateRevocation,
		ApplicationProtocols:       cfg.ApplicationProtocols,
	}

	if strings.TrimSpace(cfg.CertFile) != "" {
		if err := store.AddCertificate("", cfg.CertFile, cfg.KeyFile); err != nil {
			return nil, fmt.Errorf("failed to load default certificate: %w", err)
		}
	}
	for serverName, sni := range cfg.SNI {
		if err := store.AddCertificate(serverName, sni.CertFile, sni.KeyFile); err != nil {
			return nil, fmt.Errorf("failed to load SNI certificate for %q: %w", serverName, err)
		}
	}

	if len(cfg.SNI) > 0 || cfg.WatchCertificates {
		opts.LocalServerCertificateSelector = store.Selector()
	} else {
		cert, err := store.GetCertificate("")
		if err != nil {
			return nil, err
		}
		opts.LocalCertificate = cert
	}

	if cfg.MinVersion != "" || cfg.MaxVersion != "" {
		minVersion, maxVersion := uint16(0), uint16(0)
		var err error
		if cfg.MinVersion != "" {
			if minVersion, err = ParseTLSVersion(cfg.MinVersion); err != nil {
				return nil, err
			}
		} else {
			minVersion = GetSecurityDefaults().MinTLSVersion
		}
		if cfg.MaxVersion != "" {
			if maxVersion, err = ParseTLSVersion(cfg.MaxVersion); err != nil {
				return nil, err
			}
		}
		opts.SSLProtocols = ProtocolRange(minVersion, maxVersion)
		if len(opts.SSLProtocols) == 0 {
			return nil, NewConfigValidationError("ssl_protocols",
				fmt.Sprintf("%s-%s", cfg.MinVersion, cfg.MaxVersion), "version range is empty")
		}
	}

	suites, err := ParseCipherSuites(cfg.CipherSuites)
	if err != nil {
		return nil, err
	}
	opts.CipherSuites = suites

	mode, err := ParseClientCertificateMode(cfg.ClientAuth.Mode)
	if err != nil {
		return nil, err
	}
	opts.RemoteCertificateMode = mode

	if mode != NoCertificate {
		if cfg.ClientAuth.CAFile != "" {
			pool, err := loadCertPool(cfg.ClientAuth.CAFile)
			if err != nil {
				return nil, err
			}
			opts.ClientCertificateAuthorities = pool
		}
		if cfg.ClientAuth.AllowUntrusted {
			opts.RemoteCertificateValidation = AcceptAnyRemoteCertificate
		}
	}

	return opts, nil
}

// AcceptAnyRemoteCertificate accepts every client certificate regardless of
// policy errors. The certificate is still published on the connection.
func AcceptAnyRemoteCertificate(*x509.Certificate, []*x509.Certificate, PolicyErrors) bool {
	return true
}

func loadCertPool(path string) (*x509.CertPool, error) {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		return nil, NewConfigValidationError("ca_file", path, "CA bundle path must be absolute")
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewFileNotFoundError(cleanPath)
		}
		return nil, NewTLSErrorWithCause(ErrorTypeCertificateLoad, "failed to read CA bundle", err).
			WithContext("ca_file", cleanPath)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, NewTLSError(ErrorTypeCertificateParsing, "no certificates found in CA bundle").
			WithContext("ca_file", cleanPath)
	}
	return pool, nil
}
