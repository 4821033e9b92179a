package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/polisai/httpsconn/internal/server"
	httpstls "github.com/polisai/httpsconn/internal/tls"
	"github.com/polisai/httpsconn/pkg/config"
	"github.com/polisai/httpsconn/pkg/connection"
	"github.com/polisai/httpsconn/pkg/logging"
	"github.com/polisai/httpsconn/pkg/memory"
	"github.com/polisai/httpsconn/pkg/telemetry"
)

const meterScope = "github.com/polisai/httpsconn/cmd/httpsconn"

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a TLS echo server",
		Long: `Serve accepts TCP connections, performs the TLS handshake described by the
https section of the configuration file and echoes the decrypted bytes back.

Example:
  httpsconn serve --config httpsconn.yaml`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().StringP("config", "c", "httpsconn.yaml", "Path to configuration file (YAML)")
	cmd.Flags().String("listen", "", "Address to listen on; overrides server.address")
	cmd.Flags().String("metrics-listen", "", "Address for /metrics and /healthz; overrides server.metrics_address")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Address = listen
	}
	if metricsListen, _ := cmd.Flags().GetString("metrics-listen"); metricsListen != "" {
		cfg.Server.MetricsAddress = metricsListen
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}

	logger := logging.NewLogger(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	slog.SetDefault(logger)
	logger.Info("Starting httpsconn", "version", version, "config", configPath)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	listener, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Address, err)
	}
	return app.run(ctx, listener)
}

// application is the wired serve command.
type application struct {
	cfg    *config.Config
	logger *slog.Logger

	store   *httpstls.FileCertificateStore
	monitor *httpstls.CertificateMonitor
	server  *server.Server

	meterProvider   *sdkmetric.MeterProvider
	shutdownTracing telemetry.ShutdownFunc
}

func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	telemetryCfg := telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Insecure:       cfg.Telemetry.Insecure,
		CAFile:         cfg.Telemetry.CAFile,
	}
	if cfg.Telemetry.Enabled {
		telemetryCfg.Endpoint = cfg.Telemetry.Endpoint
	}

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("set up tracing: %w", err)
	}

	serverMetrics := server.NewMetrics()
	meterProvider, err := telemetry.SetupMeterProvider(ctx, telemetryCfg, serverMetrics.Registry())
	if err != nil {
		_ = shutdownTracing(context.Background())
		return nil, fmt.Errorf("set up metrics: %w", err)
	}

	app := &application{
		cfg:             cfg,
		logger:          logger,
		meterProvider:   meterProvider,
		shutdownTracing: shutdownTracing,
	}

	tlsMetrics, err := httpstls.NewTLSMetricsCollector(meterProvider.Meter(meterScope))
	if err != nil {
		app.close()
		return nil, fmt.Errorf("create certificate metrics: %w", err)
	}

	app.store = httpstls.NewFileCertificateStore(logger, tlsMetrics)
	options, err := httpstls.BuildHTTPSOptions(cfg.HTTPS, app.store)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("build HTTPS options: %w", err)
	}

	pool := memory.NewSlabPool(cfg.Memory.MinimumSegmentSize, cfg.Memory.MaximumPooledSize)
	middleware, err := httpstls.NewHandshakeMiddleware(echo(logger), options, logger,
		httpstls.WithMeterProvider(meterProvider),
		httpstls.WithMemoryPool(pool),
	)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("create handshake middleware: %w", err)
	}

	app.server, err = server.New(middleware.OnConnection, server.Options{
		Pool:                  pool,
		PauseWriterThreshold:  cfg.Memory.PauseWriterThreshold,
		ResumeWriterThreshold: cfg.Memory.ResumeWriterThreshold,
		Logger:                logger,
		Metrics:               serverMetrics,
	})
	if err != nil {
		app.close()
		return nil, err
	}

	app.monitor = httpstls.NewCertificateMonitor(app.store, tlsMetrics, logger)
	return app, nil
}

// run serves listener until ctx is done, then shuts down within the
// configured timeout.
func (a *application) run(ctx context.Context, listener net.Listener) error {
	if a.cfg.HTTPS.WatchCertificates {
		if err := a.store.Watch(ctx, nil); err != nil {
			_ = listener.Close()
			return fmt.Errorf("watch certificates: %w", err)
		}
	}
	go a.monitor.Run(ctx)

	var metricsServer *http.Server
	if a.cfg.Server.MetricsAddress != "" {
		var err error
		if metricsServer, err = a.startMetricsServer(a.cfg.Server.MetricsAddress); err != nil {
			_ = listener.Close()
			return err
		}
	}

	serveErr := a.server.Serve(ctx, listener)
	if errors.Is(serveErr, context.Canceled) || errors.Is(serveErr, server.ErrServerClosed) {
		serveErr = nil
	}

	a.logger.Info("Shutting down")
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Connection server shutdown error", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Metrics server shutdown error", "error", err)
		}
	}
	return serveErr
}

func (a *application) startMetricsServer(addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", otelhttp.NewHandler(a.server.Metrics().Handler(), "httpsconn.metrics"))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on metrics address %s: %w", addr, err)
	}
	a.logger.Info("Metrics listening", "addr", listener.Addr().String())

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", "error", err)
		}
	}()
	return srv, nil
}

func (a *application) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("Failed to close certificate store", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.meterProvider.Shutdown(ctx); err != nil {
		a.logger.Error("Failed to stop meter provider", "error", err)
	}
	if err := a.shutdownTracing(ctx); err != nil {
		a.logger.Error("Failed to flush traces", "error", err)
	}
}

// echo writes every decrypted byte back to the client.
func echo(logger *slog.Logger) connection.Handler {
	return func(ctx context.Context, conn *connection.Context) error {
		if feature, ok := connection.Get[*httpstls.TLSConnectionFeature](conn.Features); ok {
			logger.DebugContext(ctx, "Echoing secured connection",
				"connection_id", conn.ID,
				"protocol", feature.ProtocolName(),
				"cipher_suite", feature.CipherSuiteName(),
				"alpn", feature.ApplicationProtocol,
			)
		}

		in, out := conn.Transport.Input(), conn.Transport.Output()
		buf := make([]byte, 4096)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				if _, werr := out.Write(buf[:n]); werr != nil {
					return werr
				}
				if ferr := out.Flush(ctx); ferr != nil {
					return ferr
				}
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}
