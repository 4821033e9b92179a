package connection

import (
	"context"
	"net"
	"sync"
)

// Handler processes one connection. Returning an error reports an
// application fault to the server.
type Handler func(ctx context.Context, conn *Context) error

// Middleware wraps a Handler.
type Middleware func(next Handler) Handler

// Chain composes middleware so that the first one listed runs outermost.
func Chain(h Handler, middleware ...Middleware) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}

// Context is the state carried with an accepted connection.
type Context struct {
	ID         string
	LocalAddr  net.Addr
	RemoteAddr net.Addr

	// Transport is the duplex channel stages read from and write to. A
	// middleware may replace it for the duration of its downstream call but
	// must restore the previous value before returning.
	Transport Transport

	Features *Features

	mu       sync.Mutex
	aborted  bool
	abortErr error
	abort    func(reason error)
}

// NewContext creates a connection context. abort may be nil.
func NewContext(id string, transport Transport, abort func(reason error)) *Context {
	return &Context{
		ID:        id,
		Transport: transport,
		Features:  NewFeatures(),
		abort:     abort,
	}
}

// Abort tears the connection down. Only the first call has an effect.
func (c *Context) Abort(reason error) {
	if reason == nil {
		reason = ErrAborted
	}

	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		return
	}
	c.aborted = true
	c.abortErr = reason
	abort := c.abort
	c.mu.Unlock()

	if abort != nil {
		abort(reason)
	}
}

// Aborted reports whether Abort was called and with which reason.
func (c *Context) Aborted() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted, c.abortErr
}
