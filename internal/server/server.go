// Package server accepts TCP connections and runs each one through a
// connection.Handler over a pipe-based transport.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/httpsconn/pkg/connection"
	"github.com/polisai/httpsconn/pkg/memory"
	"github.com/polisai/httpsconn/pkg/pipe"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server closed")

// Options configures a Server.
type Options struct {
	Pool                  memory.Pool
	PauseWriterThreshold  int
	ResumeWriterThreshold int
	Logger                *slog.Logger
	// Metrics defaults to a fresh NewMetrics.
	Metrics *Metrics
}

// Server runs handler for every accepted connection, one goroutine each.
type Server struct {
	handler connection.Handler
	opts    Options
	logger  *slog.Logger
	metrics *Metrics

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	sockets   map[string]*pipe.SocketConnection
	closing   bool
	shutdown  chan struct{}

	wg sync.WaitGroup
}

// New creates a server that runs handler for each connection.
func New(handler connection.Handler, opts Options) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler is required")
	}
	if opts.Pool == nil {
		opts.Pool = memory.Shared
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}

	return &Server{
		handler:   handler,
		opts:      opts,
		logger:    opts.Logger.With("component", "server"),
		metrics:   opts.Metrics,
		listeners: make(map[net.Listener]struct{}),
		sockets:   make(map[string]*pipe.SocketConnection),
		shutdown:  make(chan struct{}),
	}, nil
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// ListenAndServe listens on the TCP address and serves until Shutdown or
// until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener. It always returns a non-nil
// error; after Shutdown the error is ErrServerClosed.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = listener.Close()
		return ErrServerClosed
	}
	s.listeners[listener] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, listener)
		s.mu.Unlock()
		_ = listener.Close()
	}()

	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	s.logger.Info("Accepting connections", "address", listener.Addr().String())

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return ErrServerClosed
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.metrics.recordAcceptError()
				s.logger.Warn("Accept failed, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	started := time.Now()
	s.metrics.recordAccepted()
	defer func() { s.metrics.recordClosed(time.Since(started)) }()

	socket := pipe.NewSocketConnection(conn, pipe.SocketOptions{
		Pool:                  s.opts.Pool,
		PauseWriterThreshold:  s.opts.PauseWriterThreshold,
		ResumeWriterThreshold: s.opts.ResumeWriterThreshold,
		Logger:                s.opts.Logger,
	})

	id := uuid.NewString()
	connCtx := connection.NewContext(id, socket.Transport(), socket.Abort)
	connCtx.LocalAddr = socket.LocalAddr()
	connCtx.RemoteAddr = socket.RemoteAddr()

	if !s.track(id, socket) {
		socket.Abort(ErrServerClosed)
		return
	}
	defer s.untrack(id)

	logger := s.logger.With("connection_id", id, "remote_addr", connCtx.RemoteAddr.String())
	logger.Debug("Connection accepted")

	socket.Start()

	original := connCtx.Transport
	err := s.runHandler(ctx, connCtx)

	if connCtx.Transport != original {
		s.metrics.recordRestoreViolation()
		logger.Error("Handler returned without restoring the connection transport")
		connCtx.Transport = original
	}

	if err != nil {
		s.metrics.recordHandlerError(handlerErrorKind(err))
		logger.Error("Connection handler failed", "error", err)
		connCtx.Abort(err)
	} else {
		original.Output().Complete(nil)
		original.Input().Complete(nil)
	}

	select {
	case <-socket.Done():
	case <-s.shutdown:
		socket.Abort(ErrServerClosed)
		<-socket.Done()
	}
	logger.Debug("Connection closed", "duration", time.Since(started))
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}

func (s *Server) runHandler(ctx context.Context, conn *connection.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return s.handler(ctx, conn)
}

func handlerErrorKind(err error) string {
	var p *panicError
	if errors.As(err, &p) {
		return "panic"
	}
	return "error"
}

func (s *Server) track(id string, socket *pipe.SocketConnection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sockets[id] = socket
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.sockets, id)
	s.mu.Unlock()
}

// Shutdown stops accepting connections and waits for the open ones to
// finish. When ctx ends first the remaining connections are aborted.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	close(s.shutdown)
	for listener := range s.listeners {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("Failed to close listener", "error", err)
		}
	}
	s.mu.Unlock()

	s.logger.Info("Shutting down connection server")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All connections closed gracefully")
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	remaining := make([]*pipe.SocketConnection, 0, len(s.sockets))
	for _, socket := range s.sockets {
		remaining = append(remaining, socket)
	}
	s.mu.Unlock()

	s.logger.Warn("Shutdown timeout exceeded, aborting connections", "count", len(remaining))
	for _, socket := range remaining {
		socket.Abort(ErrServerClosed)
	}
	<-done
	return ctx.Err()
}
