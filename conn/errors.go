package conn

import "errors"

var (
	// ErrBackpressure means the connection's inbound queue is full; the
	// transport must stop reading or reject the record.
	ErrBackpressure = errors.New("inbound queue full")
	// ErrTooManyInFlight means the connection is at its in-flight cap.
	ErrTooManyInFlight = errors.New("too many requests in flight")
	// ErrSlowConsumer means the outbound queue filled up; the client is not reading.
	ErrSlowConsumer = errors.New("outbound queue full")
	// ErrClosed is returned for operations on a closing or closed connection.
	ErrClosed = errors.New("connection closed")
	// ErrNotFound is returned for unknown connection ids.
	ErrNotFound = errors.New("no such connection")
)
