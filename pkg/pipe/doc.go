// Package pipe implements the pooled in-memory pipes that make up a
// connection.Transport, and the socket pumps that move bytes between a
// net.Conn and those pipes.
package pipe
