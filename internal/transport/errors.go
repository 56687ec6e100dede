package transport

import "errors"

var (
	// ErrListenerClosed is returned by Serve when the listener is closed while
	// the server is still supposed to be accepting.
	ErrListenerClosed = errors.New("transport: listener closed")

	// ErrLineTooLong is returned by ReadLine when a client line exceeds the
	// configured maximum.
	ErrLineTooLong = errors.New("transport: line too long")
)
