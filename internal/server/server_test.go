package server

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/httpsconn/pkg/connection"
	"github.com/polisai/httpsconn/pkg/pipe"
)

func echoHandler(_ context.Context, conn *connection.Context) error {
	buf := make([]byte, 512)
	for {
		n, err := conn.Transport.Input().Read(buf)
		if n > 0 {
			if _, werr := conn.Transport.Output().Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := conn.Transport.Output().Flush(context.Background()); ferr != nil {
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

// startServer serves handler on a loopback listener and returns the server,
// its address and a channel receiving Serve's result.
func startServer(t *testing.T, handler connection.Handler) (*Server, string, <-chan error) {
	t.Helper()

	srv, err := New(handler, Options{})
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() { result <- srv.Serve(context.Background(), listener) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, listener.Addr().String(), result
}

func dial(t *testing.T, address string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", address, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestNew_RequiresHandler(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)
}

func TestServer_EchoesAndClosesCleanly(t *testing.T) {
	srv, address, _ := startServer(t, echoHandler)
	client := dial(t, address)

	_, err := client.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	require.NoError(t, client.(*net.TCPConn).CloseWrite())
	rest, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Empty(t, rest)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(srv.Metrics().connectionsActive) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.Metrics().connectionsAccepted))
	assert.Equal(t, float64(0), testutil.ToFloat64(srv.Metrics().handlerErrors.WithLabelValues("error")))
}

func TestServer_HandlerFaultsAbortConnection(t *testing.T) {
	tests := []struct {
		name    string
		handler connection.Handler
		kind    string
	}{
		{
			name: "error",
			handler: func(context.Context, *connection.Context) error {
				return errors.New("application fault")
			},
			kind: "error",
		},
		{
			name: "panic",
			handler: func(context.Context, *connection.Context) error {
				panic("boom")
			},
			kind: "panic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, address, _ := startServer(t, tt.handler)
			client := dial(t, address)

			_, err := client.Read(make([]byte, 1))
			assert.Error(t, err)

			assert.Eventually(t, func() bool {
				return testutil.ToFloat64(srv.Metrics().handlerErrors.WithLabelValues(tt.kind)) == 1
			}, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestServer_RestoresReplacedTransport(t *testing.T) {
	replacement, _ := pipe.NewDuplexPair(pipe.Options{})
	handler := func(_ context.Context, conn *connection.Context) error {
		conn.Transport = replacement
		return nil
	}

	srv, address, _ := startServer(t, handler)
	client := dial(t, address)

	// The original transport is still completed, so the peer sees EOF.
	data, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Empty(t, data)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(srv.Metrics().restoreViolations) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ShutdownStopsServe(t *testing.T) {
	srv, _, result := startServer(t, echoHandler)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}

	// A second shutdown is a no-op.
	assert.NoError(t, srv.Shutdown(ctx))
}

func TestServer_ShutdownAbortsLingeringConnections(t *testing.T) {
	entered := make(chan struct{})
	handler := func(_ context.Context, conn *connection.Context) error {
		close(entered)
		_, err := conn.Transport.Input().Read(make([]byte, 16))
		return err
	}

	srv, address, _ := startServer(t, handler)
	client := dial(t, address)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := srv.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = client.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestServer_ServeAfterShutdown(t *testing.T) {
	srv, err := New(echoHandler, Options{})
	require.NoError(t, err)
	require.NoError(t, srv.Shutdown(context.Background()))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, srv.Serve(context.Background(), listener), ErrServerClosed)
}

func TestServer_ServeReturnsWhenContextEnds(t *testing.T) {
	srv, err := New(echoHandler, Options{})
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- srv.Serve(ctx, listener) }()

	cancel()
	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
