package pipe

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/polisai/httpsconn/pkg/connection"
	"github.com/polisai/httpsconn/pkg/memory"
)

const (
	// DefaultPauseWriterThreshold is the unread byte count at which Flush
	// starts blocking.
	DefaultPauseWriterThreshold = 64 * 1024
	// DefaultResumeWriterThreshold is the unread byte count below which a
	// paused Flush resumes.
	DefaultResumeWriterThreshold = 32 * 1024
)

// ErrWriterCompleted is returned by Write and Flush after the writer has
// been completed.
var ErrWriterCompleted = errors.New("pipe: writer completed")

// Options configures a Pipe.
type Options struct {
	Pool                  memory.Pool
	PauseWriterThreshold  int
	ResumeWriterThreshold int
}

func (o Options) withDefaults() Options {
	if o.Pool == nil {
		o.Pool = memory.Shared
	}
	if o.PauseWriterThreshold <= 0 {
		o.PauseWriterThreshold = DefaultPauseWriterThreshold
	}
	if o.ResumeWriterThreshold <= 0 || o.ResumeWriterThreshold > o.PauseWriterThreshold {
		o.ResumeWriterThreshold = o.PauseWriterThreshold / 2
	}
	return o
}

type segment struct {
	buf   []byte
	start int
	end   int
}

func (s *segment) len() int { return s.end - s.start }

// Pipe is a single-producer single-consumer byte pipe backed by pooled
// segments. Written data becomes readable only after Flush.
type Pipe struct {
	opts Options

	mu sync.Mutex
	// changed is closed and replaced whenever state observed by a blocked
	// reader or flusher changes.
	changed chan struct{}

	readable   []*segment
	unread     int
	unflushed  []*segment
	unflushedN int

	readCanceled  bool
	flushCanceled bool

	readerCompleted bool
	writerCompleted bool
	writerErr       error

	reader Reader
	writer Writer
}

// New creates a pipe.
func New(opts Options) *Pipe {
	p := &Pipe{
		opts:    opts.withDefaults(),
		changed: make(chan struct{}),
	}
	p.reader.p = p
	p.writer.p = p
	return p
}

// Reader returns the consuming end.
func (p *Pipe) Reader() *Reader { return &p.reader }

// Writer returns the producing end.
func (p *Pipe) Writer() *Writer { return &p.writer }

// notifyLocked wakes every waiter. p.mu must be held.
func (p *Pipe) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pipe) releaseLocked(segs []*segment) {
	for _, s := range segs {
		p.opts.Pool.Return(s.buf)
	}
}

// Reader is the consuming end of a Pipe. It implements connection.PipeReader.
type Reader struct {
	p *Pipe
}

var _ connection.PipeReader = (*Reader)(nil)

// Read copies flushed data into b. It blocks until data is available, the
// writer completes, or CancelPendingRead is called. After the writer
// completes and the data is drained Read returns the writer's error, or
// io.EOF when it completed cleanly.
func (r *Reader) Read(b []byte) (int, error) {
	p := r.p
	for {
		p.mu.Lock()
		if p.readerCompleted {
			p.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		if p.readCanceled {
			p.readCanceled = false
			p.mu.Unlock()
			return 0, connection.ErrReadCanceled
		}
		if p.unread > 0 {
			if len(b) == 0 {
				p.mu.Unlock()
				return 0, nil
			}
			n := r.consumeLocked(b)
			p.mu.Unlock()
			return n, nil
		}
		if p.writerCompleted {
			err := p.writerErr
			p.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		wait := p.changed
		p.mu.Unlock()
		<-wait
	}
}

func (r *Reader) consumeLocked(b []byte) int {
	p := r.p
	before := p.unread
	n := 0
	for n < len(b) && len(p.readable) > 0 {
		s := p.readable[0]
		c := copy(b[n:], s.buf[s.start:s.end])
		s.start += c
		n += c
		if s.len() == 0 {
			p.opts.Pool.Return(s.buf)
			p.readable[0] = nil
			p.readable = p.readable[1:]
		}
	}
	p.unread -= n
	if before >= p.opts.ResumeWriterThreshold && p.unread < p.opts.ResumeWriterThreshold {
		p.notifyLocked()
	}
	return n
}

// Buffered reports the number of flushed bytes not yet read.
func (r *Reader) Buffered() int {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	return r.p.unread
}

// CancelPendingRead implements connection.PipeReader.
func (r *Reader) CancelPendingRead() {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readCanceled = true
	p.notifyLocked()
}

// Complete implements connection.PipeReader. Unread data is discarded and
// later writes fail with io.ErrClosedPipe.
func (r *Reader) Complete(error) {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readerCompleted {
		return
	}
	p.readerCompleted = true
	p.releaseLocked(p.readable)
	p.readable = nil
	p.unread = 0
	if p.writerCompleted {
		p.releaseLocked(p.unflushed)
		p.unflushed = nil
		p.unflushedN = 0
	}
	p.notifyLocked()
}

// Writer is the producing end of a Pipe. It implements connection.PipeWriter.
type Writer struct {
	p *Pipe
}

var _ connection.PipeWriter = (*Writer)(nil)

// Write buffers b in pooled segments. The data is not visible to the reader
// until Flush.
func (w *Writer) Write(b []byte) (int, error) {
	p := w.p
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writerCompleted {
		return 0, ErrWriterCompleted
	}
	if p.readerCompleted {
		return 0, io.ErrClosedPipe
	}

	n := 0
	for n < len(b) {
		var tail *segment
		if k := len(p.unflushed); k > 0 && p.unflushed[k-1].end < len(p.unflushed[k-1].buf) {
			tail = p.unflushed[k-1]
		} else {
			tail = &segment{buf: p.opts.Pool.Rent(len(b) - n)}
			p.unflushed = append(p.unflushed, tail)
		}
		c := copy(tail.buf[tail.end:], b[n:])
		tail.end += c
		n += c
	}
	p.unflushedN += n
	return n, nil
}

// Buffered reports the number of written bytes not yet flushed.
func (w *Writer) Buffered() int {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	return w.p.unflushedN
}

// Flush makes buffered data readable and waits while the reader is more than
// the pause threshold behind. It returns io.ErrClosedPipe once the reader has
// completed, connection.ErrFlushCanceled after CancelPendingFlush, or the
// context error.
func (w *Writer) Flush(ctx context.Context) error {
	p := w.p
	p.mu.Lock()
	if p.writerCompleted {
		p.mu.Unlock()
		return ErrWriterCompleted
	}
	w.commitLocked()

	limit := p.opts.PauseWriterThreshold
	for {
		if p.writerCompleted {
			p.mu.Unlock()
			return ErrWriterCompleted
		}
		if p.readerCompleted {
			p.mu.Unlock()
			return io.ErrClosedPipe
		}
		if p.flushCanceled {
			p.flushCanceled = false
			p.mu.Unlock()
			return connection.ErrFlushCanceled
		}
		if p.unread < limit {
			p.mu.Unlock()
			return nil
		}
		limit = p.opts.ResumeWriterThreshold
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		p.mu.Lock()
	}
}

func (w *Writer) commitLocked() {
	p := w.p
	if p.unflushedN == 0 {
		return
	}
	if p.readerCompleted {
		p.releaseLocked(p.unflushed)
	} else {
		p.readable = append(p.readable, p.unflushed...)
		p.unread += p.unflushedN
	}
	p.unflushed = nil
	p.unflushedN = 0
	p.notifyLocked()
}

// CancelPendingFlush implements connection.PipeWriter.
func (w *Writer) CancelPendingFlush() {
	p := w.p
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushCanceled = true
	p.notifyLocked()
}

// Complete implements connection.PipeWriter. Buffered data is committed so
// the reader drains it before observing err (or io.EOF when err is nil).
func (w *Writer) Complete(err error) {
	p := w.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writerCompleted {
		return
	}
	w.commitLocked()
	p.writerCompleted = true
	p.writerErr = err
	p.notifyLocked()
}
