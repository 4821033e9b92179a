package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupProvider_NoEndpointIsNoop(t *testing.T) {
	prev := otel.GetTracerProvider()

	shutdown, err := SetupProvider(context.Background(), Config{ServiceName: "httpsconn"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, prev, otel.GetTracerProvider())
}

func TestSetupProvider_MissingCollectorCA(t *testing.T) {
	_, err := SetupProvider(context.Background(), Config{
		ServiceName: "httpsconn",
		Endpoint:    "localhost:4317",
		CAFile:      "/nonexistent/ca.pem",
	})
	assert.Error(t, err)
}

func TestSetupMeterProvider_ExportsToRegistry(t *testing.T) {
	prev := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	registry := prometheus.NewRegistry()
	provider, err := SetupMeterProvider(context.Background(), Config{ServiceName: "httpsconn"}, registry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	counter, err := otel.Meter("telemetry-test").Int64Counter("test_events")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	families, err := registry.Gather()
	require.NoError(t, err)

	var found bool
	for _, family := range families {
		if strings.HasPrefix(family.GetName(), "test_events") {
			found = true
			require.NotEmpty(t, family.GetMetric())
			assert.Equal(t, float64(3), family.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "counter not exported to the registry")
}
