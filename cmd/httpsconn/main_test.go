package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpstls "github.com/polisai/httpsconn/internal/tls"
	"github.com/polisai/httpsconn/pkg/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCertGenerateAndInspect(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")

	out, err := execute(t, "cert", "generate", "--dir", dir, "--names", "localhost, example.test")
	require.NoError(t, err)
	assert.Contains(t, out, "server.crt / server.key")
	for _, name := range []string{"ca", "server", "client", "api"} {
		assert.FileExists(t, filepath.Join(dir, name+".crt"))
		assert.FileExists(t, filepath.Join(dir, name+".key"))
	}

	out, err = execute(t, "cert", "inspect", filepath.Join(dir, "server.crt"), "--format", "json")
	require.NoError(t, err)

	var certs []inspectedCertificate
	require.NoError(t, json.Unmarshal([]byte(out), &certs))
	require.Len(t, certs, 1)
	assert.Equal(t, []string{"localhost", "example.test"}, certs[0].DNSNames)
	assert.Contains(t, certs[0].IPAddresses, "127.0.0.1")
	assert.True(t, certs[0].ServerAuthAllowed)
	assert.False(t, certs[0].IsCA)
	assert.Equal(t, "VALID", certs[0].Status)

	out, err = execute(t, "cert", "inspect", filepath.Join(dir, "ca.crt"))
	require.NoError(t, err)
	assert.Contains(t, out, "CA: true")
	assert.Contains(t, out, "Status: VALID")
}

func TestCertInspectErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, generateCertificates(io.Discard, dir, nil))

	_, err := execute(t, "cert", "inspect", filepath.Join(dir, "missing.crt"))
	assert.Error(t, err)

	_, err = execute(t, "cert", "inspect", filepath.Join(dir, "server.crt"), "--format", "yaml")
	assert.ErrorContains(t, err, "unknown format")

	_, err = execute(t, "cert", "inspect")
	assert.Error(t, err)
}

func TestValidityStatus(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, generateCertificates(io.Discard, dir, []string{"localhost"}))

	var buf bytes.Buffer
	file := filepath.Join(dir, "server.crt")

	require.NoError(t, inspectCertificates(&buf, file, "json", time.Now().Add(350*24*time.Hour)))
	assert.Contains(t, buf.String(), `"status": "EXPIRES_SOON"`)

	buf.Reset()
	require.NoError(t, inspectCertificates(&buf, file, "json", time.Now().Add(400*24*time.Hour)))
	assert.Contains(t, buf.String(), `"status": "EXPIRED"`)

	buf.Reset()
	require.NoError(t, inspectCertificates(&buf, file, "json", time.Now().Add(-time.Hour)))
	assert.Contains(t, buf.String(), `"status": "NOT_YET_VALID"`)
}

func TestErrorMessage(t *testing.T) {
	plain := errors.New("listen on :8443: address in use")
	assert.Equal(t, plain.Error(), errorMessage(plain))

	wrapped := fmt.Errorf("build HTTPS options: %w", httpstls.NewFileNotFoundError("/missing.crt"))
	msg := errorMessage(wrapped)
	assert.True(t, strings.HasPrefix(msg, wrapped.Error()), msg)
	assert.Contains(t, msg, "\n\nSuggestions:\n  1. Verify the file path is correct")
}

func TestServeRequiresConfig(t *testing.T) {
	_, err := execute(t, "serve", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "load configuration")
}

func TestApplicationEchoesOverTLS(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, generateCertificates(io.Discard, dir, []string{"localhost"}))

	cfg := config.Default()
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.HTTPS.CertFile = filepath.Join(dir, "server.crt")
	cfg.HTTPS.KeyFile = filepath.Join(dir, "server.key")
	cfg.HTTPS.ApplicationProtocols = []string{"echo"}
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := newApplication(ctx, cfg, logger)
	require.NoError(t, err)
	defer app.close()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- app.run(ctx, listener) }()

	caPEM, err := os.ReadFile(filepath.Join(dir, "ca.crt"))
	require.NoError(t, err)
	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(caPEM))

	conn, err := tls.Dial("tcp", listener.Addr().String(), &tls.Config{
		RootCAs:    roots,
		ServerName: "localhost",
		NextProtos: []string{"echo"},
	})
	require.NoError(t, err)
	assert.Equal(t, "echo", conn.ConnectionState().NegotiatedProtocol)

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Write([]byte("hello over tls"))
	require.NoError(t, err)
	reply := make([]byte, len("hello over tls"))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, "hello over tls", string(reply))
	require.NoError(t, conn.Close())

	families, err := app.server.Metrics().Registry().Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.True(t, containsPrefix(names, "tls_handshakes"), "exported metrics: %v", names)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func containsPrefix(names []string, prefix string) bool {
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			return true
		}
	}
	return false
}
