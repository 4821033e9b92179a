package pipe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/polisai/httpsconn/pkg/connection"
	"github.com/polisai/httpsconn/pkg/memory"
)

// SocketOptions configures a SocketConnection.
type SocketOptions struct {
	Pool memory.Pool
	// MinimumReadSize is the smallest buffer rented for a socket read.
	MinimumReadSize int
	// PauseWriterThreshold and ResumeWriterThreshold apply to both pipes.
	PauseWriterThreshold  int
	ResumeWriterThreshold int
	Logger                *slog.Logger
}

// SocketConnection moves bytes between a net.Conn and a pair of pipes. The
// application side of the pair is exposed through Transport.
type SocketConnection struct {
	conn        net.Conn
	pool        memory.Pool
	minReadSize int
	logger      *slog.Logger

	application *DuplexPipe
	transport   *DuplexPipe

	mu          sync.Mutex
	closed      bool
	abortReason error

	wg   sync.WaitGroup
	done chan struct{}
}

// NewSocketConnection wraps conn. Call Start to begin moving data.
func NewSocketConnection(conn net.Conn, opts SocketOptions) *SocketConnection {
	if opts.Pool == nil {
		opts.Pool = memory.Shared
	}
	if opts.MinimumReadSize <= 0 {
		opts.MinimumReadSize = opts.Pool.MinimumSegmentSize()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	application, transport := NewDuplexPair(Options{
		Pool:                  opts.Pool,
		PauseWriterThreshold:  opts.PauseWriterThreshold,
		ResumeWriterThreshold: opts.ResumeWriterThreshold,
	})

	return &SocketConnection{
		conn:        conn,
		pool:        opts.Pool,
		minReadSize: opts.MinimumReadSize,
		logger:      opts.Logger.With("component", "socket", "remote_addr", conn.RemoteAddr().String()),
		application: application,
		transport:   transport,
		done:        make(chan struct{}),
	}
}

// Transport returns the application side of the connection.
func (s *SocketConnection) Transport() connection.Transport {
	return s.application
}

// LocalAddr returns the socket's local address.
func (s *SocketConnection) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// RemoteAddr returns the socket's remote address.
func (s *SocketConnection) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Start launches the receive and send loops.
func (s *SocketConnection) Start() {
	s.wg.Add(2)
	go s.receive()
	go s.send()
	go func() {
		s.wg.Wait()
		s.closeSocket()
		close(s.done)
	}()
}

// Done is closed once both loops have exited and the socket is closed.
func (s *SocketConnection) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until Done is closed or ctx ends.
func (s *SocketConnection) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort closes the socket immediately. Pending application reads observe
// reason once buffered data is drained.
func (s *SocketConnection) Abort(reason error) {
	if reason == nil {
		reason = connection.ErrAborted
	}

	s.mu.Lock()
	if s.abortReason == nil {
		s.abortReason = reason
	}
	s.mu.Unlock()

	s.logger.Debug("Aborting connection", "reason", reason)
	s.closeSocket()
	s.transport.input.Complete(reason)
	s.transport.output.Complete(reason)
}

func (s *SocketConnection) closeSocket() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("Socket close failed", "error", err)
	}
}

func (s *SocketConnection) closeState() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.abortReason
}

// receive copies socket data into the application's input pipe.
func (s *SocketConnection) receive() {
	defer s.wg.Done()

	out := s.transport.output
	var completeErr error
	defer func() { out.Complete(completeErr) }()

	for {
		buf := s.pool.Rent(s.minReadSize)
		n, err := s.conn.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				s.pool.Return(buf)
				return
			}
		}
		s.pool.Return(buf)

		if n > 0 {
			if ferr := out.Flush(context.Background()); ferr != nil {
				// Application stopped reading or the pipe was aborted.
				return
			}
		}

		if err != nil {
			closed, reason := s.closeState()
			switch {
			case errors.Is(err, io.EOF):
			case reason != nil:
				completeErr = reason
			case closed && (errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)):
			default:
				s.logger.Debug("Socket read failed", "error", err)
				completeErr = err
			}
			return
		}
	}
}

// send copies the application's output pipe to the socket. When the
// application completes its output the socket is closed.
func (s *SocketConnection) send() {
	defer s.wg.Done()

	in := s.transport.input
	var completeErr error
	defer func() {
		in.Complete(completeErr)
		s.closeSocket()
	}()

	buf := s.pool.Rent(s.minReadSize)
	defer s.pool.Return(buf)

	for {
		n, err := in.Read(buf)
		if n > 0 {
			if _, werr := s.conn.Write(buf[:n]); werr != nil {
				s.logger.Debug("Socket write failed", "error", werr)
				completeErr = werr
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				completeErr = err
			}
			return
		}
	}
}
