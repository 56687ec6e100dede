//go:build unix

package transport

import (
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestIsTemporaryErrno(t *testing.T) {
	tests := []struct {
		errno unix.Errno
		want  bool
	}{
		{unix.EMFILE, true},
		{unix.ENFILE, true},
		{unix.ENOBUFS, true},
		{unix.ENOMEM, true},
		{unix.ECONNABORTED, true},
		{unix.EINTR, true},
		{unix.EAGAIN, true},
		{unix.EBADF, false},
		{unix.EINVAL, false},
	}
	for _, tt := range tests {
		err := &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept", tt.errno)}
		if got := isRetryable(err); got != tt.want {
			t.Errorf("isRetryable(%v) = %v, want %v", tt.errno, got, tt.want)
		}
	}
}
