package config

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"
)

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field       string
	Value       interface{}
	Reason      string
	Suggestions []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

func NewConfigMissingError(field string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Reason: fmt.Sprintf("required field '%s' is missing", field),
	}
}

func NewConfigValidationError(field string, value interface{}, reason string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// TLSVersion represents supported TLS protocol versions
type TLSVersion string

const (
	TLSVersion10 TLSVersion = "1.0"
	TLSVersion11 TLSVersion = "1.1"
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

// ParseTLSVersion converts a string to a TLSVersion with validation
func ParseTLSVersion(version string) (TLSVersion, error) {
	if version == "" {
		return TLSVersion12, nil
	}

	normalized := strings.TrimSpace(version)
	switch TLSVersion(normalized) {
	case TLSVersion10, TLSVersion11, TLSVersion12, TLSVersion13:
		return TLSVersion(normalized), nil
	default:
		return "", fmt.Errorf("unsupported TLS version %q", version)
	}
}

// Client certificate modes accepted in ClientAuthConfig.Mode.
const (
	ClientAuthNone    = "none"
	ClientAuthAllow   = "allow"
	ClientAuthRequire = "require"
)

// HTTPSConfig configures the handshake middleware.
type HTTPSConfig struct {
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
	// SNI maps server names (optionally "*.domain") to their certificates.
	// When set, certificates are chosen per connection and CertFile/KeyFile
	// become the default.
	SNI map[string]CertConfig `yaml:"sni,omitempty" json:"sni,omitempty"`
	// WatchCertificates reloads certificates when their files change.
	WatchCertificates bool `yaml:"watch_certificates,omitempty" json:"watch_certificates,omitempty"`

	MinVersion           string   `yaml:"min_version,omitempty" json:"min_version,omitempty"`
	MaxVersion           string   `yaml:"max_version,omitempty" json:"max_version,omitempty"`
	CipherSuites         []string `yaml:"cipher_suites,omitempty" json:"cipher_suites,omitempty"`
	ApplicationProtocols []string `yaml:"alpn,omitempty" json:"alpn,omitempty"`

	ClientAuth ClientAuthConfig `yaml:"client_auth,omitempty" json:"client_auth,omitempty"`

	HandshakeTimeout           time.Duration `yaml:"handshake_timeout,omitempty" json:"handshake_timeout,omitempty"`
	DisableHandshakeTimeout    bool          `yaml:"disable_handshake_timeout,omitempty" json:"disable_handshake_timeout,omitempty"`
	CheckCertificateRevocation bool          `yaml:"check_certificate_revocation,omitempty" json:"check_certificate_revocation,omitempty"`
}

// ClientAuthConfig configures client certificates.
type ClientAuthConfig struct {
	// Mode is none, allow or require.
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`
	// CAFile holds the roots client chains are verified against. Without it
	// the system roots are used.
	CAFile string `yaml:"ca_file,omitempty" json:"ca_file,omitempty"`
	// AllowUntrusted accepts certificates that fail chain verification; the
	// application can inspect them through the connection feature.
	AllowUntrusted bool `yaml:"allow_untrusted,omitempty" json:"allow_untrusted,omitempty"`
}

// CertConfig is a certificate and key pair on disk.
type CertConfig struct {
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
}

// Validate performs comprehensive validation of the HTTPS configuration
func (c *HTTPSConfig) Validate() error {
	if strings.TrimSpace(c.CertFile) == "" && len(c.SNI) == 0 {
		return NewConfigMissingError("cert_file").
			WithSuggestion("Provide a path to a PEM certificate file").
			WithSuggestion("Or configure per-server-name certificates under 'sni'")
	}
	if strings.TrimSpace(c.CertFile) != "" && strings.TrimSpace(c.KeyFile) == "" {
		return NewConfigMissingError("key_file").
			WithSuggestion("Provide a path to the PEM private key matching cert_file")
	}

	var minVer, maxVer TLSVersion
	if c.MinVersion != "" {
		v, err := ParseTLSVersion(c.MinVersion)
		if err != nil {
			return NewConfigValidationError("min_version", c.MinVersion, err.Error()).
				WithSuggestion("Use a valid TLS version: 1.0, 1.1, 1.2, or 1.3")
		}
		if v < TLSVersion12 {
			return NewConfigValidationError("min_version", c.MinVersion,
				"TLS versions below 1.2 are deprecated and insecure").
				WithSuggestion("Use TLS 1.2 or higher")
		}
		minVer = v
	}
	if c.MaxVersion != "" {
		v, err := ParseTLSVersion(c.MaxVersion)
		if err != nil {
			return NewConfigValidationError("max_version", c.MaxVersion, err.Error()).
				WithSuggestion("Use a valid TLS version: 1.0, 1.1, 1.2, or 1.3")
		}
		maxVer = v
	}
	if minVer != "" && maxVer != "" && minVer > maxVer {
		return NewConfigValidationError("version_range",
			fmt.Sprintf("min_version=%s, max_version=%s", c.MinVersion, c.MaxVersion),
			"min_version cannot be greater than max_version").
			WithSuggestion("Ensure min_version is less than or equal to max_version")
	}

	if err := c.validateCipherSuites(); err != nil {
		return err
	}

	for _, proto := range c.ApplicationProtocols {
		if proto == "" || len(proto) > 255 {
			return NewConfigValidationError("alpn", proto, "protocol names must be 1 to 255 bytes")
		}
	}

	if c.HandshakeTimeout < 0 {
		return NewConfigValidationError("handshake_timeout", c.HandshakeTimeout.String(), "must not be negative").
			WithSuggestion("Remove handshake_timeout to use the default of 10s")
	}

	if err := c.ClientAuth.Validate(); err != nil {
		return fmt.Errorf("client authentication configuration error: %w", err)
	}

	for serverName, sni := range c.SNI {
		if err := sni.Validate(); err != nil {
			return fmt.Errorf("SNI configuration error for server '%s': %w", serverName, err)
		}
		if err := validateServerName(serverName); err != nil {
			return NewConfigValidationError("sni_server_name", serverName, err.Error()).
				WithSuggestion("Use a valid domain name or wildcard pattern").
				WithSuggestion("Examples: example.com, *.example.com, api.example.com")
		}
	}

	return nil
}

func (c *HTTPSConfig) validateCipherSuites() error {
	if len(c.CipherSuites) == 0 {
		return nil
	}

	secure := make(map[string]bool)
	for _, s := range tls.CipherSuites() {
		secure[s.Name] = true
	}
	insecure := make(map[string]bool)
	for _, s := range tls.InsecureCipherSuites() {
		insecure[s.Name] = true
	}

	var unknown, weak []string
	for _, name := range c.CipherSuites {
		name = strings.TrimSpace(name)
		switch {
		case insecure[name]:
			weak = append(weak, name)
		case !secure[name]:
			unknown = append(unknown, name)
		}
	}

	if len(unknown) > 0 {
		return NewConfigValidationError("cipher_suites", unknown, "invalid cipher suites specified").
			WithSuggestion("Use IANA cipher suite names such as TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256")
	}
	if len(weak) > 0 {
		return NewConfigValidationError("cipher_suites", weak, "insecure cipher suites detected").
			WithSuggestion("Remove RC4, 3DES and static RSA suites").
			WithSuggestion("Use ECDHE suites with AES-GCM or ChaCha20-Poly1305")
	}
	return nil
}

// validateServerName validates SNI server name format
func validateServerName(serverName string) error {
	if serverName == "" {
		return fmt.Errorf("server name cannot be empty")
	}

	serverName = strings.TrimPrefix(serverName, "*.")
	if len(serverName) > 253 {
		return fmt.Errorf("server name too long (max 253 characters)")
	}

	for _, part := range strings.Split(serverName, ".") {
		if len(part) == 0 {
			return fmt.Errorf("empty label in server name")
		}
		if len(part) > 63 {
			return fmt.Errorf("label too long (max 63 characters): %s", part)
		}
		for _, char := range part {
			if !((char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') ||
				(char >= '0' && char <= '9') || char == '-') {
				return fmt.Errorf("invalid character in server name: %c", char)
			}
		}
		if strings.HasPrefix(part, "-") || strings.HasSuffix(part, "-") {
			return fmt.Errorf("label cannot start or end with hyphen: %s", part)
		}
	}

	return nil
}

// Validate checks the client certificate mode.
func (c *ClientAuthConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Mode)) {
	case "", ClientAuthNone, ClientAuthAllow, ClientAuthRequire:
		return nil
	default:
		return NewConfigValidationError("client_auth.mode", c.Mode, "unsupported client certificate mode").
			WithSuggestion("Use one of: none, allow, require")
	}
}

// Validate performs validation of SNI certificate configuration
func (c *CertConfig) Validate() error {
	if strings.TrimSpace(c.CertFile) == "" {
		return fmt.Errorf("cert_file is required for SNI configuration")
	}
	if strings.TrimSpace(c.KeyFile) == "" {
		return fmt.Errorf("key_file is required for SNI configuration")
	}
	return nil
}
