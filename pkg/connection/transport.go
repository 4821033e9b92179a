package connection

import (
	"context"
	"errors"
	"io"
)

// ErrReadCanceled is returned by PipeReader.Read after CancelPendingRead.
var ErrReadCanceled = errors.New("connection: pending read canceled")

// ErrFlushCanceled is returned by PipeWriter.Flush after CancelPendingFlush.
var ErrFlushCanceled = errors.New("connection: pending flush canceled")

// PipeReader is the inbound half of a Transport.
type PipeReader interface {
	io.Reader
	// CancelPendingRead makes the current or next blocked Read return
	// ErrReadCanceled without consuming data.
	CancelPendingRead()
	// Complete signals that the consumer will not read any more data.
	Complete(err error)
}

// PipeWriter is the outbound half of a Transport. Written bytes become
// visible to the peer once Flush returns.
type PipeWriter interface {
	io.Writer
	Flush(ctx context.Context) error
	// CancelPendingFlush makes the current or next blocked Flush return
	// ErrFlushCanceled.
	CancelPendingFlush()
	// Complete signals that no more data will be written.
	Complete(err error)
}

// Transport is a duplex byte channel made of two pipes.
type Transport interface {
	Input() PipeReader
	Output() PipeWriter
}

// ErrAborted is the reason recorded when Abort is called without one.
var ErrAborted = errors.New("connection: aborted")
