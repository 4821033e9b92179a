package pipe

import "github.com/polisai/httpsconn/pkg/connection"

// DuplexPipe pairs the reader of one pipe with the writer of another.
type DuplexPipe struct {
	input  *Reader
	output *Writer
}

var _ connection.Transport = (*DuplexPipe)(nil)

// Input implements connection.Transport.
func (d *DuplexPipe) Input() connection.PipeReader { return d.input }

// Output implements connection.Transport.
func (d *DuplexPipe) Output() connection.PipeWriter { return d.output }

// NewDuplexPair creates two cross-connected endpoints: bytes flushed to one
// side's Output are read from the other side's Input.
func NewDuplexPair(opts Options) (application, transport *DuplexPipe) {
	toTransport := New(opts)
	toApplication := New(opts)

	application = &DuplexPipe{input: toApplication.Reader(), output: toTransport.Writer()}
	transport = &DuplexPipe{input: toTransport.Reader(), output: toApplication.Writer()}
	return application, transport
}
