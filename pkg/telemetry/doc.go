// Package telemetry wires OpenTelemetry tracing and metrics for the HTTPS
// connection server.
//
// Spans are exported over OTLP/gRPC when an endpoint is configured. Metric
// instruments recorded through the OpenTelemetry API are exposed on the
// server's Prometheus registry so one scrape endpoint carries both the
// connection and the handshake metrics.
package telemetry
