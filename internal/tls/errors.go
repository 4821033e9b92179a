package tls

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// TLSErrorType categorizes errors raised by the handshake middleware.
type TLSErrorType string

const (
	// Configuration errors, surfaced synchronously from construction.
	ErrorTypeConfigValidation TLSErrorType = "config_validation"
	ErrorTypeConfigMissing    TLSErrorType = "config_missing"

	// Certificate errors
	ErrorTypeCertificateLoad     TLSErrorType = "certificate_load"
	ErrorTypeCertificateParsing  TLSErrorType = "certificate_parsing"
	ErrorTypeCertificateUsage    TLSErrorType = "certificate_usage"
	ErrorTypeCertificateExpired  TLSErrorType = "certificate_expired"
	ErrorTypeCertificateRejected TLSErrorType = "certificate_rejected"

	// File system errors
	ErrorTypeFileNotFound TLSErrorType = "file_not_found"
	ErrorTypeFileWatching TLSErrorType = "file_watching"

	// Handshake errors, terminal for the connection.
	ErrorTypeHandshakeFailure TLSErrorType = "handshake_failure"
	ErrorTypeHandshakeTimeout TLSErrorType = "handshake_timeout"
	ErrorTypeClientAuth       TLSErrorType = "client_auth"
	ErrorTypeSNISelection     TLSErrorType = "sni_selection"
)

// TLSError is a structured error with context and remediation hints.
type TLSError struct {
	Type        TLSErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Suggestions []string
}

// Error implements the error interface
func (e *TLSError) Error() string {
	parts := []string{fmt.Sprintf("[%s] %s", string(e.Type), e.Message)}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for key := range e.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, key := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, e.Context[key]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying error for error unwrapping
func (e *TLSError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *TLSError) WithContext(key string, value interface{}) *TLSError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for resolving the error
func (e *TLSError) WithSuggestion(suggestion string) *TLSError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// GetDetailedMessage returns the error message followed by numbered suggestions.
func (e *TLSError) GetDetailedMessage() string {
	var b strings.Builder
	b.WriteString(e.Error())

	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for i, suggestion := range e.Suggestions {
			fmt.Fprintf(&b, "\n  %d. %s", i+1, suggestion)
		}
	}

	return b.String()
}

// NewTLSError creates a new TLS error with the specified type and message
func NewTLSError(errorType TLSErrorType, message string) *TLSError {
	return &TLSError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewTLSErrorWithCause creates a new TLS error with an underlying cause
func NewTLSErrorWithCause(errorType TLSErrorType, message string, cause error) *TLSError {
	e := NewTLSError(errorType, message)
	e.Cause = cause
	return e
}

func NewConfigValidationError(field string, value interface{}, reason string) *TLSError {
	return NewTLSError(ErrorTypeConfigValidation, fmt.Sprintf("invalid option '%s'", field)).
		WithContext("field", field).
		WithContext("value", value).
		WithContext("reason", reason).
		WithSuggestion(fmt.Sprintf("Check the '%s' option of the HTTPS connection settings", field))
}

func NewConfigMissingError(field string) *TLSError {
	return NewTLSError(ErrorTypeConfigMissing, fmt.Sprintf("required option '%s' is missing", field)).
		WithContext("field", field).
		WithSuggestion(fmt.Sprintf("Set '%s' in the HTTPS connection settings", field))
}

// NewServerCertificateRequiredError reports that neither a static
// certificate nor a selector was configured.
func NewServerCertificateRequiredError() *TLSError {
	return NewTLSError(ErrorTypeConfigMissing, "a server certificate or a certificate selector is required").
		WithContext("field", "local_certificate").
		WithSuggestion("Set LocalCertificate to a certificate with a private key").
		WithSuggestion("Or set LocalServerCertificateSelector to choose a certificate per server name")
}

// NewCertificateUsageError reports a certificate that may not act as a TLS
// server identity.
func NewCertificateUsageError(subject string) *TLSError {
	return NewTLSError(ErrorTypeCertificateUsage, "certificate is not allowed for server authentication").
		WithContext("subject", subject).
		WithSuggestion("Use a certificate whose extended key usage includes serverAuth").
		WithSuggestion("Ensure key usage includes digitalSignature or keyEncipherment")
}

func NewCertificateParsingError(source string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeCertificateParsing, "failed to parse certificate", cause).
		WithContext("source", source).
		WithSuggestion("Ensure the certificate is DER or PEM encoded X.509")
}

func NewCertificateLoadError(certFile, keyFile string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeCertificateLoad, "failed to load certificate", cause).
		WithContext("cert_file", certFile).
		WithContext("key_file", keyFile).
		WithSuggestion("Verify that the certificate and key files exist and are readable").
		WithSuggestion("Ensure the certificate and private key match")
}

func NewCertificateExpiredError(subject string, expiredAt string) *TLSError {
	return NewTLSError(ErrorTypeCertificateExpired, "certificate has expired").
		WithContext("subject", subject).
		WithContext("expired_at", expiredAt).
		WithSuggestion("Renew the expired certificate")
}

func NewFileNotFoundError(filePath string) *TLSError {
	return NewTLSError(ErrorTypeFileNotFound, fmt.Sprintf("file not found: %s", filePath)).
		WithContext("file_path", filePath).
		WithSuggestion("Verify the file path is correct")
}

func NewHandshakeFailureError(reason string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeHandshakeFailure, fmt.Sprintf("TLS handshake failed: %s", reason), cause).
		WithContext("failure_reason", reason)
}

func NewHandshakeTimeoutError(timeout string) *TLSError {
	return NewTLSError(ErrorTypeHandshakeTimeout, "TLS handshake timed out").
		WithContext("timeout", timeout).
		WithSuggestion("Consider increasing the handshake timeout")
}

func NewClientAuthError(reason string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeClientAuth, fmt.Sprintf("client authentication failed: %s", reason), cause).
		WithContext("auth_failure_reason", reason)
}

func NewSNISelectionError(serverName string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeSNISelection, fmt.Sprintf("certificate selection failed for server name %q", serverName), cause).
		WithContext("server_name", serverName).
		WithSuggestion("Add a certificate for the requested server name or a default certificate")
}

func asTLSError(err error) (*TLSError, bool) {
	var tlsErr *TLSError
	if !errors.As(err, &tlsErr) {
		return nil, false
	}
	return tlsErr, true
}

func hasType(err error, types ...TLSErrorType) bool {
	tlsErr, ok := asTLSError(err)
	if !ok {
		return false
	}
	for _, t := range types {
		if tlsErr.Type == t {
			return true
		}
	}
	return false
}

// IsConfigurationError reports configuration problems, including an
// unusable static certificate rejected at construction.
func IsConfigurationError(err error) bool {
	return hasType(err, ErrorTypeConfigValidation, ErrorTypeConfigMissing, ErrorTypeCertificateUsage)
}

func IsCertificateError(err error) bool {
	return hasType(err, ErrorTypeCertificateLoad, ErrorTypeCertificateParsing, ErrorTypeCertificateUsage,
		ErrorTypeCertificateExpired, ErrorTypeCertificateRejected)
}

func IsHandshakeError(err error) bool {
	return hasType(err, ErrorTypeHandshakeFailure, ErrorTypeHandshakeTimeout, ErrorTypeClientAuth, ErrorTypeSNISelection)
}

// ErrorSeverity ranks errors for logging.
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s ErrorSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("ErrorSeverity(%d)", int(s))
	}
}

// GetErrorSeverity ranks err by its TLSErrorType. Errors that are not a
// *TLSError rank as SeverityError.
func GetErrorSeverity(err error) ErrorSeverity {
	var tlsErr *TLSError
	if !errors.As(err, &tlsErr) {
		return SeverityError
	}
	switch tlsErr.Type {
	case ErrorTypeConfigValidation, ErrorTypeConfigMissing, ErrorTypeCertificateUsage, ErrorTypeCertificateExpired:
		return SeverityCritical
	case ErrorTypeCertificateLoad, ErrorTypeCertificateParsing, ErrorTypeFileNotFound, ErrorTypeFileWatching:
		return SeverityError
	case ErrorTypeSNISelection, ErrorTypeCertificateRejected:
		return SeverityWarning
	default:
		// Handshake failures are expected on the public internet.
		return SeverityInfo
	}
}
