package tls

import (
	"context"
	"crypto/x509"
	"log/slog"
	"time"
)

// TLSLogger provides structured logging for TLS events
type TLSLogger struct {
	logger *slog.Logger
}

// NewTLSLogger creates a new TLS logger
func NewTLSLogger(logger *slog.Logger) *TLSLogger {
	if logger == nil {
		logger = slog.Default()
	}

	return &TLSLogger{
		logger: logger.With("component", "tls"),
	}
}

// Logger returns the underlying component logger.
func (l *TLSLogger) Logger() *slog.Logger {
	return l.logger
}

// LogHandshakeSuccess logs a completed handshake and what it negotiated.
func (l *TLSLogger) LogHandshakeSuccess(ctx context.Context, connID, remoteAddr string, feature *TLSConnectionFeature) {
	attrs := []slog.Attr{
		slog.String("event", "handshake_success"),
		slog.String("connection_id", connID),
		slog.String("remote_addr", remoteAddr),
		slog.String("tls_version", feature.ProtocolName()),
		slog.String("cipher_suite", feature.CipherSuiteName()),
		slog.String("server_name", feature.ServerName),
		slog.String("alpn", feature.ApplicationProtocol),
		slog.Bool("did_resume", feature.DidResume),
		slog.Duration("handshake_duration", feature.HandshakeDuration),
		slog.Time("timestamp", time.Now()),
	}

	if feature.RemoteCertificate != nil {
		attrs = append(attrs,
			slog.String("client_cert_subject", feature.RemoteCertificate.Subject.String()),
			slog.String("client_cert_issuer", feature.RemoteCertificate.Issuer.String()),
		)
	}

	l.logger.LogAttrs(ctx, slog.LevelDebug, "TLS handshake completed", attrs...)
}

// LogHandshakeFailure logs a failed or timed out handshake. Failures are
// routine on a public listener (scanners, aborted clients), so they are
// logged at debug level.
func (l *TLSLogger) LogHandshakeFailure(ctx context.Context, connID, remoteAddr string, err error, duration time.Duration) {
	event := "handshake_failure"
	message := "TLS handshake failed"
	tlsErr, isTLSErr := asTLSError(err)
	if isTLSErr {
		switch tlsErr.Type {
		case ErrorTypeHandshakeTimeout:
			event = "handshake_timeout"
			message = "TLS handshake timed out"
		case ErrorTypeCertificateRejected, ErrorTypeClientAuth:
			event = "certificate_rejected"
			message = "Client certificate rejected"
		}
	}

	attrs := []slog.Attr{
		slog.String("event", event),
		slog.String("connection_id", connID),
		slog.String("remote_addr", remoteAddr),
		slog.Duration("handshake_duration", duration),
		slog.Time("timestamp", time.Now()),
	}

	if isTLSErr {
		attrs = append(attrs, slog.String("error_type", string(tlsErr.Type)))
		if len(tlsErr.Suggestions) > 0 {
			attrs = append(attrs, slog.Any("suggestions", tlsErr.Suggestions))
		}
	}
	if err != nil {
		attrs = append(attrs,
			slog.String("error", err.Error()),
			slog.String("severity", GetErrorSeverity(err).String()),
		)
	}

	l.logger.LogAttrs(ctx, slog.LevelDebug, message, attrs...)
}

// LogCertificateLoad logs certificate loading events
func (l *TLSLogger) LogCertificateLoad(ctx context.Context, serverName, certFile, keyFile string, cert *x509.Certificate, err error) {
	level := slog.LevelInfo
	message := "Certificate loaded successfully"
	if err != nil {
		level = slog.LevelError
		message = "Certificate loading failed"
	}

	attrs := []slog.Attr{
		slog.String("event", "certificate_load"),
		slog.String("server_name", serverName),
		slog.String("cert_file", certFile),
		slog.String("key_file", keyFile),
		slog.Bool("success", err == nil),
		slog.Time("timestamp", time.Now()),
	}

	if cert != nil {
		attrs = append(attrs,
			slog.String("subject", cert.Subject.String()),
			slog.String("issuer", cert.Issuer.String()),
			slog.Time("not_after", cert.NotAfter),
			slog.Any("dns_names", cert.DNSNames),
		)
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	l.logger.LogAttrs(ctx, level, message, attrs...)
}

// LogCertificateReload logs certificate reload events
func (l *TLSLogger) LogCertificateReload(ctx context.Context, reloadedCount, errorCount int, err error) {
	level := slog.LevelInfo
	message := "Certificate reload completed"

	if err != nil {
		level = slog.LevelError
		message = "Certificate reload failed"
	}

	attrs := []slog.Attr{
		slog.String("event", "certificate_reload"),
		slog.Bool("success", err == nil),
		slog.Int("reloaded_count", reloadedCount),
		slog.Int("error_count", errorCount),
		slog.Time("timestamp", time.Now()),
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	l.logger.LogAttrs(ctx, level, message, attrs...)
}

// LogSNIRequest logs SNI certificate selection events
func (l *TLSLogger) LogSNIRequest(ctx context.Context, serverName string, found bool, selectedCert string) {
	level := slog.LevelDebug
	message := "SNI certificate selected"

	if !found {
		level = slog.LevelWarn
		message = "SNI certificate not found"
	}

	l.logger.LogAttrs(ctx, level, message,
		slog.String("event", "sni_request"),
		slog.String("requested_server_name", serverName),
		slog.Bool("found", found),
		slog.String("selected_cert", selectedCert),
		slog.Time("timestamp", time.Now()),
	)
}

// LogTransportRelease logs a problem met while tearing down the secure
// stream after the application finished.
func (l *TLSLogger) LogTransportRelease(ctx context.Context, connID string, err error) {
	l.logger.LogAttrs(ctx, slog.LevelDebug, "Secure stream release failed",
		slog.String("event", "transport_release"),
		slog.String("connection_id", connID),
		slog.String("error", err.Error()),
		slog.Time("timestamp", time.Now()),
	)
}

// LogConfigurationWarning logs a setting that was accepted but weakens or
// changes the handshake.
func (l *TLSLogger) LogConfigurationWarning(ctx context.Context, field, description string, err error) {
	attrs := []slog.Attr{
		slog.String("event", "configuration_warning"),
		slog.String("field", field),
		slog.String("description", description),
		slog.Time("timestamp", time.Now()),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	l.logger.LogAttrs(ctx, slog.LevelWarn, "TLS configuration warning", attrs...)
}
