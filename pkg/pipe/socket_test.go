package pipe

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/httpsconn/pkg/connection"
)

func echo(t *testing.T, transport connection.Transport) {
	t.Helper()
	buf := make([]byte, 256)
	for {
		n, err := transport.Input().Read(buf)
		if n > 0 {
			if _, werr := transport.Output().Write(buf[:n]); werr != nil {
				break
			}
			if ferr := transport.Output().Flush(context.Background()); ferr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	transport.Input().Complete(nil)
	transport.Output().Complete(nil)
}

func TestSocketConnection_Echo(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	sc := NewSocketConnection(server, SocketOptions{})
	sc.Start()
	go echo(t, sc.Transport())

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	require.NoError(t, client.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, sc.Wait(ctx))
}

func TestSocketConnection_AbortSurfacesReason(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	sc := NewSocketConnection(server, SocketOptions{})
	sc.Start()

	reason := errors.New("handshake rejected")
	sc.Abort(reason)

	_, err := sc.Transport().Input().Read(make([]byte, 8))
	assert.ErrorIs(t, err, reason)

	_, err = sc.Transport().Output().Write([]byte("late"))
	assert.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, sc.Wait(ctx))

	_, err = client.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestSocketConnection_ApplicationCompletionClosesSocket(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	sc := NewSocketConnection(server, SocketOptions{})
	sc.Start()

	out := sc.Transport().Output()
	_, err := out.Write([]byte("bye"))
	require.NoError(t, err)

	go func() {
		_ = out.Flush(context.Background())
		out.Complete(nil)
		sc.Transport().Input().Complete(nil)
	}()

	data, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(data))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, sc.Wait(ctx))
}
