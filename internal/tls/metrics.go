package tls

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/polisai/httpsconn/internal/tls"

// TLSMetricsCollector records handshake and certificate metrics.
type TLSMetricsCollector struct {
	// Handshake metrics
	handshakesTotal   metric.Int64Counter
	handshakeErrors   metric.Int64Counter
	handshakeDuration metric.Float64Histogram

	// Connection metrics
	connectionsActive  metric.Int64UpDownCounter
	connectionDuration metric.Float64Histogram

	// Distribution metrics
	tlsVersionDistribution  metric.Int64Counter
	cipherSuiteDistribution metric.Int64Counter

	// Certificate metrics
	certificateRejections metric.Int64Counter
	certificateReloads    metric.Int64Counter
	certificateExpiry     metric.Float64Gauge

	// SNI metrics
	sniRequests metric.Int64Counter
	sniMisses   metric.Int64Counter
}

// NewTLSMetricsCollector creates the TLS instruments on meter.
func NewTLSMetricsCollector(meter metric.Meter) (*TLSMetricsCollector, error) {
	c := &TLSMetricsCollector{}
	var err error

	c.handshakesTotal, err = meter.Int64Counter(
		"tls_handshakes_total",
		metric.WithDescription("Total number of TLS handshakes by outcome"),
		metric.WithUnit("{handshake}"),
	)
	if err != nil {
		return nil, err
	}

	c.handshakeErrors, err = meter.Int64Counter(
		"tls_handshake_errors_total",
		metric.WithDescription("Total number of failed TLS handshakes"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	c.handshakeDuration, err = meter.Float64Histogram(
		"tls_handshake_duration_seconds",
		metric.WithDescription("TLS handshake duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.connectionsActive, err = meter.Int64UpDownCounter(
		"tls_connections_active",
		metric.WithDescription("Secured connections currently served by the application"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	c.connectionDuration, err = meter.Float64Histogram(
		"tls_connection_duration_seconds",
		metric.WithDescription("Time the application spent on a secured connection"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.tlsVersionDistribution, err = meter.Int64Counter(
		"tls_version_total",
		metric.WithDescription("TLS connections by version"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	c.cipherSuiteDistribution, err = meter.Int64Counter(
		"tls_cipher_suite_total",
		metric.WithDescription("TLS connections by cipher suite"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	c.certificateRejections, err = meter.Int64Counter(
		"tls_client_certificate_rejections_total",
		metric.WithDescription("Client certificates rejected during the handshake"),
		metric.WithUnit("{certificate}"),
	)
	if err != nil {
		return nil, err
	}

	c.certificateReloads, err = meter.Int64Counter(
		"tls_certificate_reloads_total",
		metric.WithDescription("Total number of certificate reloads"),
		metric.WithUnit("{reload}"),
	)
	if err != nil {
		return nil, err
	}

	c.certificateExpiry, err = meter.Float64Gauge(
		"tls_certificate_expiry_timestamp",
		metric.WithDescription("Certificate expiry timestamp in Unix seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.sniRequests, err = meter.Int64Counter(
		"tls_sni_requests_total",
		metric.WithDescription("Total number of SNI certificate lookups"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	c.sniMisses, err = meter.Int64Counter(
		"tls_sni_misses_total",
		metric.WithDescription("Total number of SNI lookups without a matching certificate"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// RecordHandshakeSuccess records a completed handshake.
func (c *TLSMetricsCollector) RecordHandshakeSuccess(ctx context.Context, feature *TLSConnectionFeature) {
	version := feature.ProtocolName()
	suite := feature.CipherSuiteName()

	c.handshakesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", "success"),
		attribute.String("tls_version", version),
	))
	c.handshakeDuration.Record(ctx, feature.HandshakeDuration.Seconds(), metric.WithAttributes(
		attribute.String("outcome", "success"),
		attribute.Bool("client_auth", feature.RemoteCertificate != nil),
		attribute.Bool("did_resume", feature.DidResume),
	))
	c.tlsVersionDistribution.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tls_version", version),
	))
	c.cipherSuiteDistribution.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cipher_suite", suite),
	))
}

// RecordHandshakeError records a failed handshake. errorType is one of the
// TLSErrorType values.
func (c *TLSMetricsCollector) RecordHandshakeError(ctx context.Context, errorType TLSErrorType, duration time.Duration) {
	outcome := "failure"
	if errorType == ErrorTypeHandshakeTimeout {
		outcome = "timeout"
	}

	c.handshakesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
	c.handshakeErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error_type", string(errorType)),
	))
	c.handshakeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("outcome", outcome),
	))

	if errorType == ErrorTypeCertificateRejected || errorType == ErrorTypeClientAuth {
		c.certificateRejections.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", string(errorType)),
		))
	}
}

// RecordConnectionStart marks a secured connection handed to the application.
func (c *TLSMetricsCollector) RecordConnectionStart(ctx context.Context) {
	c.connectionsActive.Add(ctx, 1)
}

// RecordConnectionEnd marks the application returning from a connection.
func (c *TLSMetricsCollector) RecordConnectionEnd(ctx context.Context, duration time.Duration) {
	c.connectionsActive.Add(ctx, -1)
	if duration > 0 {
		c.connectionDuration.Record(ctx, duration.Seconds())
	}
}

// RecordCertificateReload records a certificate reload event
func (c *TLSMetricsCollector) RecordCertificateReload(ctx context.Context, success bool) {
	c.certificateReloads.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordCertificateExpiry records certificate expiry information
func (c *TLSMetricsCollector) RecordCertificateExpiry(ctx context.Context, serverName, subject string, expiry time.Time) {
	c.certificateExpiry.Record(ctx, float64(expiry.Unix()), metric.WithAttributes(
		attribute.String("server_name", serverName),
		attribute.String("subject", subject),
	))
}

// RecordSNIRequest records an SNI lookup.
func (c *TLSMetricsCollector) RecordSNIRequest(ctx context.Context, found bool) {
	c.sniRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("found", found),
	))
	if !found {
		c.sniMisses.Add(ctx, 1)
	}
}
