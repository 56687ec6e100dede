//go:build unix

package transport

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isTemporaryErrno reports whether an accept failure is caused by resource
// exhaustion or an aborted handshake, both of which clear up on their own.
func isTemporaryErrno(err error) bool {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM,
		unix.ECONNABORTED, unix.EINTR, unix.EAGAIN:
		return true
	}
	return false
}
