package tls

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/httpsconn/pkg/connection"
	"github.com/polisai/httpsconn/pkg/memory"
)

// StreamPipeReaderOptions configures the read side of a
// DuplexPipeStreamAdapter.
type StreamPipeReaderOptions struct {
	Pool memory.Pool
	// MinimumReadSize is the smallest buffer rented for a stream read.
	MinimumReadSize int
	// MinimumAllocSize is the smallest buffer rented when the stream is
	// drained into the pipe view.
	MinimumAllocSize int
	// LeaveOpen keeps the transport's input running when the adapter closes.
	LeaveOpen bool
}

// StreamPipeWriterOptions configures the write side of a
// DuplexPipeStreamAdapter.
type StreamPipeWriterOptions struct {
	Pool              memory.Pool
	MinimumBufferSize int
	// LeaveOpen keeps the transport's output running when the adapter closes.
	LeaveOpen bool
}

// StreamFactory interposes a stream, such as a TLS engine, over the plain
// bridging stream.
type StreamFactory func(inner net.Conn) net.Conn

// DuplexPipeStreamAdapter presents a connection.Transport as a net.Conn
// (Stream) and, over that stream, as a pipe pair again (Input, Output).
// With a StreamFactory the pipe view carries the factory's decoded data.
type DuplexPipeStreamAdapter struct {
	transport connection.Transport
	bridge    *transportConn
	stream    net.Conn

	reader *streamPipeReader
	writer *streamPipeWriter

	readerOptions StreamPipeReaderOptions
	writerOptions StreamPipeWriterOptions

	streamOnce sync.Once
	streamErr  error
	closeOnce  sync.Once
}

var _ connection.Transport = (*DuplexPipeStreamAdapter)(nil)

// NewDuplexPipeStreamAdapter wraps transport. factory may be nil.
func NewDuplexPipeStreamAdapter(transport connection.Transport, readerOptions StreamPipeReaderOptions, writerOptions StreamPipeWriterOptions, factory StreamFactory) *DuplexPipeStreamAdapter {
	if readerOptions.Pool == nil {
		readerOptions.Pool = memory.Shared
	}
	if readerOptions.MinimumReadSize <= 0 {
		readerOptions.MinimumReadSize = readerOptions.Pool.MinimumSegmentSize()
	}
	if readerOptions.MinimumAllocSize <= 0 {
		readerOptions.MinimumAllocSize = readerOptions.MinimumReadSize
	}
	if writerOptions.Pool == nil {
		writerOptions.Pool = readerOptions.Pool
	}
	if writerOptions.MinimumBufferSize <= 0 {
		writerOptions.MinimumBufferSize = writerOptions.Pool.MinimumSegmentSize()
	}

	a := &DuplexPipeStreamAdapter{
		transport:     transport,
		bridge:        newTransportConn(transport),
		readerOptions: readerOptions,
		writerOptions: writerOptions,
	}

	a.stream = a.bridge
	if factory != nil {
		a.stream = factory(a.bridge)
	}

	a.reader = &streamPipeReader{
		stream:   a.stream,
		pool:     readerOptions.Pool,
		readSize: max(readerOptions.MinimumReadSize, readerOptions.MinimumAllocSize),
	}
	a.writer = &streamPipeWriter{
		stream:  a.stream,
		pool:    writerOptions.Pool,
		minSize: writerOptions.MinimumBufferSize,
	}
	return a
}

// Stream returns the innermost stream: the factory's stream when one was
// supplied, otherwise the bridge over the transport.
func (a *DuplexPipeStreamAdapter) Stream() net.Conn {
	return a.stream
}

// Input implements connection.Transport.
func (a *DuplexPipeStreamAdapter) Input() connection.PipeReader {
	return a.reader
}

// Output implements connection.Transport.
func (a *DuplexPipeStreamAdapter) Output() connection.PipeWriter {
	return a.writer
}

// SetAddrs sets the addresses reported by the bridging stream. Nil
// addresses keep the pipe placeholder.
func (a *DuplexPipeStreamAdapter) SetAddrs(local, remote net.Addr) {
	if local != nil {
		a.bridge.local = local
	}
	if remote != nil {
		a.bridge.remote = remote
	}
}

// CloseStream releases the stream returned by Stream. Pending reads and
// writes on the stream and on the pipe view return instead of blocking.
// It is safe to call more than once.
func (a *DuplexPipeStreamAdapter) CloseStream() error {
	a.streamOnce.Do(func() {
		a.streamErr = a.stream.Close()
		if a.stream != net.Conn(a.bridge) {
			// The factory's stream may refuse to close while a write is
			// in flight; the bridge must close regardless.
			_ = a.bridge.Close()
		}
		if errors.Is(a.streamErr, net.ErrClosed) {
			a.streamErr = nil
		}
	})
	return a.streamErr
}

// Close releases the stream if needed, returns pooled buffers, and completes
// the transport halves that are not marked LeaveOpen. It is safe to call
// more than once.
func (a *DuplexPipeStreamAdapter) Close() error {
	err := a.CloseStream()
	a.closeOnce.Do(func() {
		a.reader.release()
		a.writer.release()
		if !a.readerOptions.LeaveOpen {
			a.transport.Input().Complete(nil)
		}
		if !a.writerOptions.LeaveOpen {
			a.transport.Output().Complete(nil)
		}
	})
	return err
}

// streamPipeReader is the PipeReader view over the adapter's stream.
type streamPipeReader struct {
	stream   net.Conn
	pool     memory.Pool
	readSize int

	mu        sync.Mutex
	buf       []byte
	start     int
	end       int
	completed bool
	canceled  bool
	reading   bool
}

func (r *streamPipeReader) Read(b []byte) (int, error) {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if r.canceled {
		r.canceled = false
		r.mu.Unlock()
		_ = r.stream.SetReadDeadline(time.Time{})
		return 0, connection.ErrReadCanceled
	}
	if r.start < r.end {
		n := copy(b, r.buf[r.start:r.end])
		r.start += n
		r.mu.Unlock()
		return n, nil
	}
	if r.buf == nil {
		r.buf = r.pool.Rent(r.readSize)
	}
	buf := r.buf
	r.reading = true
	r.mu.Unlock()

	var n int
	var err error
	direct := len(b) >= len(buf)
	if direct {
		// Large reads go straight to the caller's buffer.
		n, err = r.stream.Read(b)
	} else {
		n, err = r.stream.Read(buf)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.reading = false
	if r.completed {
		if r.buf != nil {
			r.pool.Return(r.buf)
			r.buf = nil
		}
		return 0, io.ErrClosedPipe
	}
	if direct {
		return n, r.translateLocked(err)
	}

	r.start, r.end = 0, n
	c := copy(b, r.buf[:n])
	r.start += c
	if c > 0 {
		return c, nil
	}
	return 0, r.translateLocked(err)
}

func (r *streamPipeReader) translateLocked(err error) error {
	if err == nil {
		return nil
	}
	if r.canceled && errors.Is(err, os.ErrDeadlineExceeded) {
		r.canceled = false
		_ = r.stream.SetReadDeadline(time.Time{})
		return connection.ErrReadCanceled
	}
	return err
}

// CancelPendingRead interrupts a blocked Read through the stream's read
// deadline.
func (r *streamPipeReader) CancelPendingRead() {
	r.mu.Lock()
	r.canceled = true
	r.mu.Unlock()
	_ = r.stream.SetReadDeadline(time.Now())
}

func (r *streamPipeReader) Complete(error) {
	r.mu.Lock()
	r.completed = true
	r.mu.Unlock()
}

func (r *streamPipeReader) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = true
	// A blocked Read still owns the buffer and returns it when it wakes.
	if r.buf != nil && !r.reading {
		r.pool.Return(r.buf)
		r.buf = nil
	}
	r.start, r.end = 0, 0
}

// streamPipeWriter is the PipeWriter view over the adapter's stream. Writes
// are buffered until Flush.
type streamPipeWriter struct {
	stream  net.Conn
	pool    memory.Pool
	minSize int

	canceled atomic.Bool
	flushing atomic.Bool

	mu        sync.Mutex
	buf       []byte
	n         int
	completed bool
}

func (w *streamPipeWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.completed {
		return 0, io.ErrClosedPipe
	}

	if w.buf == nil {
		w.buf = w.pool.Rent(max(w.minSize, len(b)))
	}
	if w.n+len(b) > len(w.buf) {
		grown := w.pool.Rent(max(2*len(w.buf), w.n+len(b)))
		copy(grown, w.buf[:w.n])
		w.pool.Return(w.buf)
		w.buf = grown
	}
	copy(w.buf[w.n:], b)
	w.n += len(b)
	return len(b), nil
}

// Flush writes buffered data to the stream. Cancellation of ctx or
// CancelPendingFlush interrupts the write through the stream's write
// deadline; a TLS stream cannot be written to afterwards.
func (w *streamPipeWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.completed {
		return io.ErrClosedPipe
	}

	w.flushing.Store(true)
	defer w.flushing.Store(false)

	if w.canceled.Swap(false) {
		return connection.ErrFlushCanceled
	}
	if w.n == 0 {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		_ = w.stream.SetWriteDeadline(time.Now())
	})
	_, err := w.stream.Write(w.buf[:w.n])
	stop()
	w.n = 0

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, os.ErrDeadlineExceeded) && w.canceled.Swap(false) {
			return connection.ErrFlushCanceled
		}
		return err
	}
	return nil
}

// CancelPendingFlush makes the current or next Flush return
// connection.ErrFlushCanceled.
func (w *streamPipeWriter) CancelPendingFlush() {
	w.canceled.Store(true)
	if w.flushing.Load() {
		_ = w.stream.SetWriteDeadline(time.Now())
	}
}

// Complete flushes what is buffered and rejects further writes.
func (w *streamPipeWriter) Complete(error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.completed {
		return
	}
	if w.n > 0 {
		_, _ = w.stream.Write(w.buf[:w.n])
		w.n = 0
	}
	w.completed = true
}

func (w *streamPipeWriter) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.completed = true
	if w.buf != nil {
		w.pool.Return(w.buf)
		w.buf = nil
	}
	w.n = 0
}

// transportConn is a net.Conn over a connection.Transport. Deadlines are
// implemented by canceling the pending pipe operation.
type transportConn struct {
	transport connection.Transport

	local  net.Addr
	remote net.Addr

	readDeadline  *pipeDeadline
	writeDeadline *pipeDeadline

	// mu guards the in-flight counts and the cancel flags. Cancellations
	// are only issued while a Read or Write is in flight, and one that the
	// operation did not observe is drained before it returns, so the
	// transport carries no stale cancellation once the conn is idle.
	mu            sync.Mutex
	reading       int
	writing       int
	readCanceled  bool
	flushCanceled bool
	closed        bool
	done          chan struct{}
}

func newTransportConn(transport connection.Transport) *transportConn {
	c := &transportConn{
		transport: transport,
		local:     pipeAddr{},
		remote:    pipeAddr{},
		done:      make(chan struct{}),
	}
	c.readDeadline = newPipeDeadline(c.cancelRead)
	c.writeDeadline = newPipeDeadline(c.cancelWrite)
	return c
}

func (c *transportConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// cancelRead interrupts an in-flight Read. It is a no-op when the conn is
// closed or idle.
func (c *transportConn) cancelRead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.cancelReadLocked()
	}
}

func (c *transportConn) cancelReadLocked() {
	if c.reading == 0 {
		return
	}
	c.readCanceled = true
	c.transport.Input().CancelPendingRead()
}

// cancelWrite interrupts an in-flight Write. It is a no-op when the conn is
// closed or idle.
func (c *transportConn) cancelWrite() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.cancelWriteLocked()
	}
}

func (c *transportConn) cancelWriteLocked() {
	if c.writing == 0 {
		return
	}
	c.flushCanceled = true
	c.transport.Output().CancelPendingFlush()
}

func (c *transportConn) beginRead() {
	c.mu.Lock()
	c.reading++
	c.mu.Unlock()
}

func (c *transportConn) endRead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reading--
	if c.reading > 0 || !c.readCanceled {
		return
	}
	c.readCanceled = false
	// The cancel may have raced a completed read. Re-arm and consume it so
	// the next reader of the transport does not see it.
	in := c.transport.Input()
	in.CancelPendingRead()
	_, _ = in.Read(nil)
}

func (c *transportConn) beginWrite() {
	c.mu.Lock()
	c.writing++
	c.mu.Unlock()
}

func (c *transportConn) endWrite() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writing--
	if c.writing > 0 || !c.flushCanceled {
		return
	}
	c.flushCanceled = false
	out := c.transport.Output()
	out.CancelPendingFlush()
	_ = out.Flush(canceledContext)
}

// canceledContext keeps a draining Flush from waiting on backpressure.
var canceledContext = func() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}()

func (c *transportConn) Read(b []byte) (int, error) {
	c.beginRead()
	defer c.endRead()

	for {
		if c.isClosed() {
			return 0, net.ErrClosed
		}
		if c.readDeadline.exceeded() {
			return 0, os.ErrDeadlineExceeded
		}

		n, err := c.transport.Input().Read(b)
		if errors.Is(err, connection.ErrReadCanceled) {
			// Canceled by Close or by a deadline; loop to find out which.
			continue
		}
		return n, err
	}
}

func (c *transportConn) Write(b []byte) (int, error) {
	c.beginWrite()
	defer c.endWrite()

	if c.isClosed() {
		return 0, net.ErrClosed
	}
	if c.writeDeadline.exceeded() {
		return 0, os.ErrDeadlineExceeded
	}

	out := c.transport.Output()
	n, err := out.Write(b)
	if err != nil {
		return n, err
	}

	for {
		err = out.Flush(context.Background())
		if !errors.Is(err, connection.ErrFlushCanceled) {
			return n, err
		}
		if c.isClosed() {
			return n, net.ErrClosed
		}
		if c.writeDeadline.exceeded() {
			return n, os.ErrDeadlineExceeded
		}
	}
}

// Close unblocks pending I/O. It does not complete the transport; the
// adapter decides that from its LeaveOpen options.
func (c *transportConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	c.closed = true
	close(c.done)
	c.cancelReadLocked()
	c.cancelWriteLocked()
	c.mu.Unlock()

	c.readDeadline.stop()
	c.writeDeadline.stop()
	return nil
}

func (c *transportConn) LocalAddr() net.Addr  { return c.local }
func (c *transportConn) RemoteAddr() net.Addr { return c.remote }

func (c *transportConn) SetDeadline(t time.Time) error {
	c.readDeadline.set(t)
	c.writeDeadline.set(t)
	return nil
}

func (c *transportConn) SetReadDeadline(t time.Time) error {
	c.readDeadline.set(t)
	return nil
}

func (c *transportConn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.set(t)
	return nil
}

// pipeDeadline calls cancel once its time passes.
type pipeDeadline struct {
	mu     sync.Mutex
	at     time.Time
	timer  *time.Timer
	cancel func()
}

func newPipeDeadline(cancel func()) *pipeDeadline {
	return &pipeDeadline{cancel: cancel}
}

func (d *pipeDeadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.at = t
	if t.IsZero() {
		return
	}

	wait := time.Until(t)
	if wait <= 0 {
		go d.cancel()
		return
	}
	d.timer = time.AfterFunc(wait, d.cancel)
}

func (d *pipeDeadline) exceeded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.at.IsZero() && !time.Now().Before(d.at)
}

func (d *pipeDeadline) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
