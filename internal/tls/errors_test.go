package tls

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLSError_Error(t *testing.T) {
	tests := []struct {
		name     string
		tlsError *TLSError
		expected string
	}{
		{
			name: "basic error",
			tlsError: &TLSError{
				Type:    ErrorTypeCertificateLoad,
				Message: "failed to load certificate",
			},
			expected: "[certificate_load] failed to load certificate",
		},
		{
			name: "context is sorted by key",
			tlsError: &TLSError{
				Type:    ErrorTypeCertificateLoad,
				Message: "failed to load certificate",
				Context: map[string]interface{}{
					"key_file":  "/path/to/key.pem",
					"cert_file": "/path/to/cert.pem",
				},
			},
			expected: "[certificate_load] failed to load certificate | context: cert_file=/path/to/cert.pem, key_file=/path/to/key.pem",
		},
		{
			name: "error with cause",
			tlsError: &TLSError{
				Type:    ErrorTypeHandshakeFailure,
				Message: "TLS handshake failed",
				Cause:   fmt.Errorf("EOF"),
			},
			expected: "[handshake_failure] TLS handshake failed | cause: EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.tlsError.Error())
		})
	}
}

func TestTLSError_GetDetailedMessage(t *testing.T) {
	err := NewTLSError(ErrorTypeConfigMissing, "missing").
		WithSuggestion("first").
		WithSuggestion("second")

	detailed := err.GetDetailedMessage()
	assert.Contains(t, detailed, "[config_missing] missing")
	assert.Contains(t, detailed, "1. first")
	assert.Contains(t, detailed, "2. second")
}

func TestTLSError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewHandshakeFailureError("broken", cause)

	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("outer: %w", err)
	var tlsErr *TLSError
	require.ErrorAs(t, wrapped, &tlsErr)
	assert.Equal(t, ErrorTypeHandshakeFailure, tlsErr.Type)
	assert.Equal(t, "broken", tlsErr.Context["failure_reason"])
}

func TestServerCertificateRequiredError(t *testing.T) {
	err := NewServerCertificateRequiredError()
	assert.Equal(t, ErrorTypeConfigMissing, err.Type)
	assert.Len(t, err.Suggestions, 2)
	assert.True(t, IsConfigurationError(err))
}

func TestErrorClassificationHelpers(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		configuration bool
		certificate   bool
		handshake     bool
	}{
		{name: "validation", err: NewConfigValidationError("field", "value", "reason"), configuration: true},
		{name: "usage", err: NewCertificateUsageError("CN=x"), configuration: true, certificate: true},
		{name: "load", err: NewCertificateLoadError("/c", "/k", nil), certificate: true},
		{name: "rejected", err: NewTLSError(ErrorTypeCertificateRejected, "no"), certificate: true},
		{name: "timeout", err: NewHandshakeTimeoutError("1s"), handshake: true},
		{name: "client auth", err: NewClientAuthError("none", nil), handshake: true},
		{name: "sni", err: NewSNISelectionError("a.example", nil), handshake: true},
		{name: "plain error", err: errors.New("plain")},
		{name: "wrapped", err: fmt.Errorf("x: %w", NewHandshakeFailureError("r", nil)), handshake: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.configuration, IsConfigurationError(tt.err))
			assert.Equal(t, tt.certificate, IsCertificateError(tt.err))
			assert.Equal(t, tt.handshake, IsHandshakeError(tt.err))
		})
	}
}

func TestGetErrorSeverity(t *testing.T) {
	tests := []struct {
		err      error
		expected ErrorSeverity
	}{
		{NewConfigMissingError("options"), SeverityCritical},
		{NewCertificateExpiredError("CN=x", "2023-01-01"), SeverityCritical},
		{NewCertificateLoadError("/c", "/k", nil), SeverityError},
		{NewSNISelectionError("a", nil), SeverityWarning},
		{NewHandshakeFailureError("reason", nil), SeverityInfo},
		{errors.New("plain"), SeverityError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, GetErrorSeverity(tt.err), "%v", tt.err)
	}
}

func TestErrorSeverity_String(t *testing.T) {
	assert.Equal(t, "info", SeverityInfo.String())
	assert.Equal(t, "critical", SeverityCritical.String())
	assert.Equal(t, "ErrorSeverity(9)", ErrorSeverity(9).String())
}
