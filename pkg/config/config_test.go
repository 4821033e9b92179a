package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTLSVersion(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected TLSVersion
		wantErr  bool
	}{
		{name: "empty string defaults to TLS 1.2", input: "", expected: TLSVersion12},
		{name: "valid TLS 1.2", input: "1.2", expected: TLSVersion12},
		{name: "valid TLS 1.3", input: " 1.3 ", expected: TLSVersion13},
		{name: "invalid version", input: "2.0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseTLSVersion(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestHTTPSConfigValidation(t *testing.T) {
	valid := func() HTTPSConfig {
		return HTTPSConfig{CertFile: "/etc/tls/server.crt", KeyFile: "/etc/tls/server.key"}
	}

	tests := []struct {
		name      string
		mutate    func(c *HTTPSConfig)
		wantField string
	}{
		{name: "cert and key", mutate: func(*HTTPSConfig) {}},
		{
			name:      "no certificate at all",
			mutate:    func(c *HTTPSConfig) { c.CertFile, c.KeyFile = "", "" },
			wantField: "cert_file",
		},
		{
			name: "sni only",
			mutate: func(c *HTTPSConfig) {
				c.CertFile, c.KeyFile = "", ""
				c.SNI = map[string]CertConfig{"*.example.com": {CertFile: "/a.crt", KeyFile: "/a.key"}}
			},
		},
		{
			name:      "cert without key",
			mutate:    func(c *HTTPSConfig) { c.KeyFile = "" },
			wantField: "key_file",
		},
		{
			name:      "min version below 1.2",
			mutate:    func(c *HTTPSConfig) { c.MinVersion = "1.1" },
			wantField: "min_version",
		},
		{
			name:      "inverted version range",
			mutate:    func(c *HTTPSConfig) { c.MinVersion, c.MaxVersion = "1.3", "1.2" },
			wantField: "version_range",
		},
		{
			name:      "unknown cipher suite",
			mutate:    func(c *HTTPSConfig) { c.CipherSuites = []string{"TLS_MADE_UP"} },
			wantField: "cipher_suites",
		},
		{
			name:      "insecure cipher suite",
			mutate:    func(c *HTTPSConfig) { c.CipherSuites = []string{"TLS_RSA_WITH_RC4_128_SHA"} },
			wantField: "cipher_suites",
		},
		{
			name:   "secure cipher suite",
			mutate: func(c *HTTPSConfig) { c.CipherSuites = []string{"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"} },
		},
		{
			name:      "empty alpn entry",
			mutate:    func(c *HTTPSConfig) { c.ApplicationProtocols = []string{"h2", ""} },
			wantField: "alpn",
		},
		{
			name:      "negative handshake timeout",
			mutate:    func(c *HTTPSConfig) { c.HandshakeTimeout = -time.Second },
			wantField: "handshake_timeout",
		},
		{
			name:      "unknown client auth mode",
			mutate:    func(c *HTTPSConfig) { c.ClientAuth.Mode = "sometimes" },
			wantField: "client_auth.mode",
		},
		{
			name: "bad sni name",
			mutate: func(c *HTTPSConfig) {
				c.SNI = map[string]CertConfig{"bad_name.example.com": {CertFile: "/a.crt", KeyFile: "/a.key"}}
			},
			wantField: "sni_server_name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
https:
  cert_file: /etc/tls/server.crt
  key_file: /etc/tls/server.key
  handshake_timeout: 5s
  client_auth:
    mode: require
`))
	require.NoError(t, err)

	assert.Equal(t, ":8443", cfg.Server.Address)
	assert.Equal(t, 5*time.Second, cfg.HTTPS.HandshakeTimeout)
	assert.Equal(t, ClientAuthRequire, cfg.HTTPS.ClientAuth.Mode)
	assert.Equal(t, 64*1024, cfg.Memory.PauseWriterThreshold)
	assert.Equal(t, "httpsconn", cfg.Telemetry.ServiceName)
}

func TestParseRejectsInvalidSections(t *testing.T) {
	_, err := Parse([]byte(`
server:
  address: "no-port"
https:
  cert_file: /a.crt
  key_file: /a.key
`))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "server.address", cfgErr.Field)

	_, err = Parse([]byte(`
https:
  cert_file: /a.crt
  key_file: /a.key
memory:
  pause_writer_threshold: 10
  resume_writer_threshold: 20
`))
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "memory.resume_writer_threshold", cfgErr.Field)

	_, err = Parse([]byte(`
https:
  cert_file: /a.crt
  key_file: /a.key
telemetry:
  enabled: true
`))
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "telemetry.endpoint", cfgErr.Field)
}

func TestLoadExpandsEnvAndResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HTTPSCONN_TEST_ADDR", "127.0.0.1:9443")

	path := filepath.Join(dir, "httpsconn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  address: ${HTTPSCONN_TEST_ADDR}
https:
  cert_file: certs/server.crt
  key_file: /abs/server.key
  sni:
    api.example.com:
      cert_file: certs/api.crt
      key_file: certs/api.key
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9443", cfg.Server.Address)
	assert.Equal(t, filepath.Join(dir, "certs/server.crt"), cfg.HTTPS.CertFile)
	assert.Equal(t, "/abs/server.key", cfg.HTTPS.KeyFile)
	assert.Equal(t, filepath.Join(dir, "certs/api.crt"), cfg.HTTPS.SNI["api.example.com"].CertFile)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
