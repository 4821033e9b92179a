package tls

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), substr)
}

func newMonitorFixture(t *testing.T) (*FileCertificateStore, *lockedBuffer, *slog.Logger) {
	t.Helper()
	pki := newTestPKI(t)
	dir := t.TempDir()
	store := NewFileCertificateStore(discardLogger, nil)

	for _, c := range []struct {
		name     string
		validFor time.Duration
	}{
		{"ok.example", 365 * 24 * time.Hour},
		{"soon.example", 20 * 24 * time.Hour},
		{"urgent.example", 3 * 24 * time.Hour},
	} {
		cert, err := GenerateCertificate(CertificateGenerationOptions{
			CommonName: c.name,
			DNSNames:   []string{c.name},
			ValidFor:   c.validFor,
			Parent:     pki.ca,
		})
		require.NoError(t, err)
		certFile, keyFile := writePair(t, dir, c.name, cert)
		require.NoError(t, store.AddCertificate(c.name, certFile, keyFile))
	}

	logs := &lockedBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return store, logs, logger
}

func TestCertificateMonitor_Check(t *testing.T) {
	store, logs, logger := newMonitorFixture(t)

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	collector, err := NewTLSMetricsCollector(provider.Meter("test"))
	require.NoError(t, err)

	monitor := NewCertificateMonitor(store, collector, logger)
	now := time.Now()
	monitor.now = func() time.Time { return now }

	statusOf := func(statuses []*CertificateStatus) map[string]string {
		out := map[string]string{}
		for _, s := range statuses {
			out[s.Info.ServerName] = s.Status
		}
		return out
	}

	statuses := monitor.Check(context.Background())
	assert.Equal(t, map[string]string{
		"ok.example":     CertificateStatusOK,
		"soon.example":   CertificateStatusWarning,
		"urgent.example": CertificateStatusCritical,
	}, statusOf(statuses))
	assert.Equal(t, 2, logs.count(`"event":"certificate_expiry"`))

	// Warnings are not repeated within a day.
	monitor.Check(context.Background())
	assert.Equal(t, 2, logs.count(`"event":"certificate_expiry"`))

	now = now.Add(25 * time.Hour)
	monitor.Check(context.Background())
	assert.Equal(t, 4, logs.count(`"event":"certificate_expiry"`))

	now = now.Add(5 * 24 * time.Hour)
	statuses = monitor.Check(context.Background())
	assert.Equal(t, CertificateStatusExpired, statusOf(statuses)["urgent.example"])
	for _, s := range statuses {
		if s.Info.ServerName == "urgent.example" {
			assert.Negative(t, s.DaysUntilExpiry)
			assert.Equal(t, now, s.LastChecked)
		}
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var points int
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == "tls_certificate_expiry_timestamp" {
				points = len(m.Data.(metricdata.Gauge[float64]).DataPoints)
			}
		}
	}
	assert.Equal(t, 3, points)
}

func TestCertificateMonitor_RunStopsWithContext(t *testing.T) {
	store, logs, logger := newMonitorFixture(t)
	monitor := NewCertificateMonitor(store, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		monitor.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 2, logs.count(`"event":"certificate_expiry"`))
}
