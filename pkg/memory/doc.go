// Package memory provides the pooled byte buffers shared by the pipe
// transports and the TLS stream adapter.
package memory
