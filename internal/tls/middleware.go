package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/httpsconn/pkg/connection"
	"github.com/polisai/httpsconn/pkg/memory"
)

const tracerName = "github.com/polisai/httpsconn/internal/tls"

type middlewareSettings struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	pool           memory.Pool
	now            func() time.Time
}

// MiddlewareOption customizes a HandshakeMiddleware.
type MiddlewareOption func(*middlewareSettings)

// WithMeterProvider sets the provider for handshake metrics. The global
// provider is used by default.
func WithMeterProvider(provider metric.MeterProvider) MiddlewareOption {
	return func(s *middlewareSettings) {
		s.meterProvider = provider
	}
}

// WithTracerProvider sets the provider for handshake spans. The global
// provider is used by default.
func WithTracerProvider(provider trace.TracerProvider) MiddlewareOption {
	return func(s *middlewareSettings) {
		s.tracerProvider = provider
	}
}

// WithMemoryPool sets the pool for the adapter's buffers.
func WithMemoryPool(pool memory.Pool) MiddlewareOption {
	return func(s *middlewareSettings) {
		s.pool = pool
	}
}

// withClock overrides the time used to verify client chains.
func withClock(now func() time.Time) MiddlewareOption {
	return func(s *middlewareSettings) {
		s.now = now
	}
}

// HandshakeMiddleware secures each connection with a server-side TLS
// handshake before passing it on. While the next handler runs, the
// connection's Transport carries decrypted application data; the original
// transport is put back when the handler returns.
type HandshakeMiddleware struct {
	next     connection.Handler
	options  *HTTPSConnectionOptions
	timeout  time.Duration
	security *SecurityDefaults

	pool    memory.Pool
	now     func() time.Time
	logger  *TLSLogger
	metrics *TLSMetricsCollector
	tracer  trace.Tracer
}

// NewHandshakeMiddleware validates options and returns the middleware in
// front of next. options is copied; later changes to it have no effect.
func NewHandshakeMiddleware(next connection.Handler, options *HTTPSConnectionOptions, logger *slog.Logger, opts ...MiddlewareOption) (*HandshakeMiddleware, error) {
	if next == nil {
		return nil, NewConfigMissingError("next")
	}
	if options == nil {
		return nil, NewConfigMissingError("options")
	}

	settings := middlewareSettings{
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
		pool:           memory.Shared,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	o := options.clone()
	tlsLogger := NewTLSLogger(logger)

	if o.LocalServerCertificateSelector != nil {
		// The selector decides per connection; a static certificate is unused.
		o.LocalCertificate = nil
	} else {
		if o.LocalCertificate == nil {
			return nil, NewServerCertificateRequiredError()
		}
		if err := ValidateServerCertificate(o.LocalCertificate); err != nil {
			if IsConfigurationError(err) {
				return nil, err
			}
			return nil, NewTLSErrorWithCause(ErrorTypeConfigValidation, "local certificate is invalid", err).
				WithContext("field", "local_certificate")
		}
	}

	switch {
	case o.HandshakeTimeout < 0:
		return nil, NewConfigValidationError("handshake_timeout", o.HandshakeTimeout.String(), "must not be negative")
	case o.HandshakeTimeout == 0:
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}

	switch o.RemoteCertificateMode {
	case NoCertificate, AllowCertificate, RequireCertificate:
	default:
		return nil, NewConfigValidationError("remote_certificate_mode", int(o.RemoteCertificateMode), "expected none, allow or require")
	}

	if _, _, err := versionRange(o.SSLProtocols); err != nil {
		return nil, err
	}

	if err := ValidateCipherSuiteSecurity(o.CipherSuites); err != nil {
		tlsLogger.LogConfigurationWarning(context.Background(), "cipher_suites",
			"configured cipher suites include weak suites", err)
	}
	if o.CheckCertificateRevocation {
		tlsLogger.LogConfigurationWarning(context.Background(), "check_certificate_revocation",
			"revocation checking is delegated to RemoteCertificateValidation", nil)
	}

	collector, err := NewTLSMetricsCollector(settings.meterProvider.Meter(meterName))
	if err != nil {
		return nil, NewTLSErrorWithCause(ErrorTypeConfigValidation, "failed to create TLS metrics", err)
	}

	return &HandshakeMiddleware{
		next:     next,
		options:  o,
		timeout:  o.HandshakeTimeout,
		security: GetSecurityDefaults(),
		pool:     settings.pool,
		now:      settings.now,
		logger:   tlsLogger,
		metrics:  collector,
		tracer:   settings.tracerProvider.Tracer(tracerName),
	}, nil
}

// Middleware returns a connection.Middleware for use with connection.Chain.
// Options are validated here so building the chain cannot fail.
func Middleware(options *HTTPSConnectionOptions, logger *slog.Logger, opts ...MiddlewareOption) (connection.Middleware, error) {
	m, err := NewHandshakeMiddleware(func(context.Context, *connection.Context) error { return nil }, options, logger, opts...)
	if err != nil {
		return nil, err
	}
	return func(next connection.Handler) connection.Handler {
		bound := *m
		bound.next = next
		return bound.OnConnection
	}, nil
}

// handshakeState collects what the engine callbacks learn during one
// handshake.
type handshakeState struct {
	mu    sync.Mutex
	local *tls.Certificate
}

func (s *handshakeState) setLocal(cert *tls.Certificate) {
	s.mu.Lock()
	s.local = cert
	s.mu.Unlock()
}

func (s *handshakeState) localCertificate() *tls.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// OnConnection runs the handshake on conn and, when it succeeds, the next
// handler over the secured transport. A failed handshake aborts conn and
// returns nil; errors from the next handler are returned unchanged.
func (m *HandshakeMiddleware) OnConnection(ctx context.Context, conn *connection.Context) error {
	feature := &TLSConnectionFeature{}
	connection.Set(conn.Features, feature)

	auth := &AuthenticationOptions{
		ServerCertificate:          m.options.LocalCertificate,
		ClientCertificateRequired:  m.options.RemoteCertificateMode != NoCertificate,
		EnabledProtocols:           append([]uint16(nil), m.options.SSLProtocols...),
		ApplicationProtocols:       append([]string(nil), m.options.ApplicationProtocols...),
		CheckCertificateRevocation: m.options.CheckCertificateRevocation,
		CipherSuites:               append([]uint16(nil), m.options.CipherSuites...),
	}
	if m.options.OnAuthenticateAsServer != nil {
		m.options.OnAuthenticateAsServer(conn, auth)
	}
	state := &handshakeState{}

	var secure *tls.Conn
	base := &tls.Config{
		// Resolved at ClientHello, after OnAuthenticateAsServer has run.
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			return m.handshakeConfig(conn, secure, auth, state)
		},
	}
	adapter := NewDuplexPipeStreamAdapter(conn.Transport,
		StreamPipeReaderOptions{Pool: m.pool, LeaveOpen: true},
		StreamPipeWriterOptions{Pool: m.pool, LeaveOpen: true},
		func(inner net.Conn) net.Conn {
			secure = tls.Server(inner, base)
			return secure
		},
	)
	adapter.SetAddrs(conn.LocalAddr, conn.RemoteAddr)

	remoteAddr := addrString(conn.RemoteAddr)
	ctx, span := m.tracer.Start(ctx, "tls.handshake",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("connection.id", conn.ID),
			attribute.String("net.peer.addr", remoteAddr),
			attribute.String("tls.client_certificate_mode", m.options.RemoteCertificateMode.String()),
			attribute.Bool("tls.check_certificate_revocation", auth.CheckCertificateRevocation),
		),
	)

	handshakeCtx, cancel := ctx, context.CancelFunc(func() {})
	if !m.options.DisableHandshakeTimeout {
		handshakeCtx, cancel = context.WithTimeout(ctx, m.timeout)
	}
	start := time.Now()
	err := secure.HandshakeContext(handshakeCtx)
	cancel()
	duration := time.Since(start)

	if err != nil {
		hsErr := m.classifyHandshakeError(err)
		span.RecordError(hsErr)
		span.SetStatus(codes.Error, hsErr.Message)
		span.End()

		m.logger.LogHandshakeFailure(ctx, conn.ID, remoteAddr, hsErr, duration)
		m.metrics.RecordHandshakeError(ctx, hsErr.Type, duration)

		_ = adapter.Close()
		connection.Remove[*TLSConnectionFeature](conn.Features)
		connection.Remove[*SecureStreamFeature](conn.Features)
		conn.Abort(hsErr)
		return nil
	}

	cs := secure.ConnectionState()
	var remote *x509.Certificate
	if len(cs.PeerCertificates) > 0 {
		remote = cs.PeerCertificates[0]
	}
	local, _ := LeafCertificate(state.localCertificate())
	feature.populate(cs, local, remote, duration)
	connection.Set(conn.Features, &ApplicationProtocolFeature{ApplicationProtocol: cs.NegotiatedProtocol})
	connection.Set(conn.Features, &SecureStreamFeature{Stream: secure})

	span.SetAttributes(
		attribute.String("tls.protocol.version", feature.ProtocolName()),
		attribute.String("tls.cipher", feature.CipherSuiteName()),
		attribute.String("tls.server_name", feature.ServerName),
		attribute.String("tls.alpn", feature.ApplicationProtocol),
		attribute.Bool("tls.resumed", feature.DidResume),
	)
	span.SetStatus(codes.Ok, "")
	span.End()

	m.logger.LogHandshakeSuccess(ctx, conn.ID, remoteAddr, feature)
	m.metrics.RecordHandshakeSuccess(ctx, feature)

	original := conn.Transport
	conn.Transport = adapter
	m.metrics.RecordConnectionStart(ctx)
	served := time.Now()
	defer func() {
		// Runs on panic too; the panic keeps propagating afterwards.
		conn.Transport = original
		connection.Remove[*SecureStreamFeature](conn.Features)
		if err := adapter.CloseStream(); err != nil {
			m.logger.LogTransportRelease(ctx, conn.ID, err)
		}
		_ = adapter.Close()
		m.metrics.RecordConnectionEnd(ctx, time.Since(served))
	}()

	return m.next(ctx, conn)
}

// handshakeConfig builds the engine configuration for one handshake from the
// options the hook may have changed.
func (m *HandshakeMiddleware) handshakeConfig(conn *connection.Context, secure *tls.Conn, auth *AuthenticationOptions, state *handshakeState) (*tls.Config, error) {
	minVersion, maxVersion, err := versionRange(auth.EnabledProtocols)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion:   minVersion,
		MaxVersion:   maxVersion,
		CipherSuites: auth.CipherSuites,
		NextProtos:   auth.ApplicationProtocols,
		ClientAuth:   tls.NoClientCert,
	}
	ApplySecureDefaults(cfg, m.security)

	if auth.ClientCertificateRequired {
		mode := m.options.RemoteCertificateMode
		if mode == NoCertificate {
			mode = AllowCertificate
		}
		cfg.ClientAuth = mode.clientAuthType()
		cfg.VerifyConnection = remoteCertificateVerifier(mode, m.options.RemoteCertificateValidation,
			m.options.ClientCertificateAuthorities, m.now)
	}

	if selector := m.options.LocalServerCertificateSelector; selector != nil {
		cfg.GetCertificate = func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			connection.Set(conn.Features, &SecureStreamFeature{Stream: secure})

			cert, err := selector(conn, hello.ServerName)
			if err != nil {
				return nil, NewSNISelectionError(hello.ServerName, err)
			}
			if cert == nil {
				return nil, NewSNISelectionError(hello.ServerName, nil).
					WithContext("reason", "selector returned no certificate")
			}
			if err := ValidateServerCertificate(cert); err != nil {
				return nil, err
			}
			state.setLocal(cert)
			return cert, nil
		}
		return cfg, nil
	}

	cert := auth.ServerCertificate
	if cert == nil {
		return nil, NewServerCertificateRequiredError()
	}
	if cert != m.options.LocalCertificate {
		if err := ValidateServerCertificate(cert); err != nil {
			return nil, err
		}
	}
	cfg.Certificates = []tls.Certificate{*cert}
	state.setLocal(cert)
	return cfg, nil
}

// classifyHandshakeError maps an engine error to a TLSError. Errors raised
// by our own callbacks keep their type.
func (m *HandshakeMiddleware) classifyHandshakeError(err error) *TLSError {
	if tlsErr, ok := asTLSError(err); ok {
		return tlsErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewHandshakeTimeoutError(m.timeout.String())
	}
	return NewHandshakeFailureError(handshakeFailureReason(err), err)
}

func handshakeFailureReason(err error) string {
	var recordErr tls.RecordHeaderError
	var alert tls.AlertError
	var certErr *tls.CertificateVerificationError
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &recordErr):
		return "client did not speak TLS"
	case errors.As(err, &alert):
		return "alert: " + alert.Error()
	case errors.As(err, &certErr):
		return "certificate verification failed"
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return "connection closed by peer"
	default:
		return err.Error()
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
