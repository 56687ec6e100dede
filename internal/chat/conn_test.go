package chat

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// testConn is an in-memory Conn. Lines sent by the test client arrive on in,
// lines written by the server are collected on out.
type testConn struct {
	remote string
	in     chan string
	out    chan string

	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	writeErr error
}

func newTestConn(remote string) *testConn {
	return newTestConnSize(remote, 1024)
}

// newTestConnSize buffers at most n written lines. With n == 0 every
// WriteLine blocks until the test reads the line, like a slow client.
func newTestConnSize(remote string, n int) *testConn {
	return &testConn{
		remote: remote,
		in:     make(chan string, 16),
		out:    make(chan string, n),
		closed: make(chan struct{}),
	}
}

func (c *testConn) ReadLine() (string, error) {
	select {
	case line, ok := <-c.in:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-c.closed:
		return "", net.ErrClosed
	}
}

func (c *testConn) WriteLine(line string) error {
	c.mu.Lock()
	err := c.writeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	select {
	case c.out <- line:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *testConn) RemoteAddr() string { return c.remote }

func (c *testConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Send delivers one line from the client.
func (c *testConn) Send(line string) { c.in <- line }

// Hangup ends the client's input stream, which the server reads as EOF.
func (c *testConn) Hangup() { close(c.in) }

// FailWrites makes every following WriteLine return an error.
func (c *testConn) FailWrites() {
	c.mu.Lock()
	c.writeErr = errors.New("broken pipe")
	c.mu.Unlock()
}

// IsClosed reports whether the server closed the connection.
func (c *testConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Next returns the next line written by the server or fails the test.
func (c *testConn) Next(t testing.TB) string {
	t.Helper()
	select {
	case line := <-c.out:
		return line
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: no line received", c.remote)
		return ""
	}
}

// Quiet fails the test if the server writes anything within d.
func (c *testConn) Quiet(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case line := <-c.out:
		t.Fatalf("%s: unexpected line %q", c.remote, line)
	case <-time.After(d):
	}
}
