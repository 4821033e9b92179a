package tls

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// SecurityDefaults are the protocol floor and cipher preferences applied to
// every handshake configuration.
type SecurityDefaults struct {
	// Secure TLS 1.2 cipher suites ordered by preference (strongest first).
	// TLS 1.3 suites are not configurable.
	SecureCipherSuites []uint16
	MinTLSVersion      uint16
	// MaxTLSVersion of 0 means the latest version the engine supports.
	MaxTLSVersion uint16
}

// GetSecurityDefaults returns the recommended secure defaults.
func GetSecurityDefaults() *SecurityDefaults {
	return &SecurityDefaults{
		SecureCipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		},
		MinTLSVersion: tls.VersionTLS12,
	}
}

// ApplySecureDefaults fills unset fields of config from defaults and
// disables renegotiation.
func ApplySecureDefaults(config *tls.Config, defaults *SecurityDefaults) {
	if config == nil || defaults == nil {
		return
	}

	if len(config.CipherSuites) == 0 {
		config.CipherSuites = defaults.SecureCipherSuites
	}
	if config.MinVersion == 0 {
		config.MinVersion = defaults.MinTLSVersion
	}
	if config.MaxVersion == 0 && defaults.MaxTLSVersion > 0 {
		config.MaxVersion = defaults.MaxTLSVersion
	}

	config.SessionTicketsDisabled = false
	config.Renegotiation = tls.RenegotiateNever
}

// ValidateCipherSuiteSecurity rejects suites the engine classifies as
// insecure and CBC suites without AEAD.
func ValidateCipherSuiteSecurity(cipherSuites []uint16) error {
	if len(cipherSuites) == 0 {
		return nil
	}

	insecure := make(map[uint16]bool)
	for _, s := range tls.InsecureCipherSuites() {
		insecure[s.ID] = true
	}

	var found []string
	for _, id := range cipherSuites {
		name := tls.CipherSuiteName(id)
		switch {
		case insecure[id]:
			found = append(found, fmt.Sprintf("%s: classified as insecure", name))
		case strings.Contains(name, "_CBC_"):
			found = append(found, fmt.Sprintf("%s: CBC mode without AEAD is vulnerable", name))
		}
	}

	if len(found) > 0 {
		return NewConfigValidationError("cipher_suites", strings.Join(found, "; "), "insecure cipher suites configured").
			WithSuggestion("Use ECDHE suites with AES-GCM or ChaCha20-Poly1305")
	}
	return nil
}

// ParseCipherSuites converts IANA suite names into their identifiers.
func ParseCipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}

	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		known[s.Name] = s.ID
	}

	suites := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := known[strings.TrimSpace(name)]
		if !ok {
			return nil, NewConfigValidationError("cipher_suites", name, "unknown cipher suite")
		}
		suites = append(suites, id)
	}
	return suites, nil
}

// ParseTLSVersion converts "1.0" through "1.3" to the engine constant.
func ParseTLSVersion(version string) (uint16, error) {
	switch strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(version), "TLS")) {
	case "1.0", "10":
		return tls.VersionTLS10, nil
	case "1.1", "11":
		return tls.VersionTLS11, nil
	case "1.2", "12":
		return tls.VersionTLS12, nil
	case "1.3", "13":
		return tls.VersionTLS13, nil
	default:
		return 0, NewConfigValidationError("tls_version", version, "expected 1.0, 1.1, 1.2 or 1.3")
	}
}

// ProtocolRange lists every version between minVersion and maxVersion.
func ProtocolRange(minVersion, maxVersion uint16) []uint16 {
	var versions []uint16
	for _, v := range []uint16{tls.VersionTLS10, tls.VersionTLS11, tls.VersionTLS12, tls.VersionTLS13} {
		if v >= minVersion && (maxVersion == 0 || v <= maxVersion) {
			versions = append(versions, v)
		}
	}
	return versions
}
