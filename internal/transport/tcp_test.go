package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whisper/linechat/internal/chat"
)

var discard = slog.New(slog.DiscardHandler)

type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(c.conn, line+"\n")
	require.NoError(t, err)
}

func (c *client) expect(t *testing.T, want string) {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, want+"\n", line)
}

func startServer(t *testing.T) (*TCPListener, *chat.Hub) {
	t.Helper()
	hub := chat.NewHub(chat.DefaultHubConfig(), discard)
	cfg := DefaultTCPConfig()
	cfg.Addr = "127.0.0.1:0"
	l, err := Listen(cfg, hub, discard)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return l, hub
}

func waitPeers(t *testing.T, hub *chat.Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Registry().Len() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestTCP_BobAndCarol(t *testing.T) {
	l, hub := startServer(t)
	addr := l.Addr().String()

	bob := dial(t, addr)
	bob.expect(t, "Enter your username:")
	bob.send(t, "bob")
	waitPeers(t, hub, 1)

	carol := dial(t, addr)
	carol.expect(t, "Enter your username:")
	carol.send(t, "carol")
	bob.expect(t, "carol has joined the chat")

	carol.send(t, "hi")
	bob.expect(t, "carol: hi")

	bob.conn.Close()
	carol.expect(t, "bob has left the chat")
	waitPeers(t, hub, 1)
}

func TestTCP_CRLFAndEmptyLines(t *testing.T) {
	l, hub := startServer(t)
	addr := l.Addr().String()

	alice := dial(t, addr)
	alice.expect(t, "Enter your username:")
	alice.send(t, "alice")
	waitPeers(t, hub, 1)

	dave := dial(t, addr)
	dave.expect(t, "Enter your username:")
	_, err := io.WriteString(dave.conn, "dave\r\n\r\nhello\r\n")
	require.NoError(t, err)

	alice.expect(t, "dave has joined the chat")
	alice.expect(t, "dave: ")
	alice.expect(t, "dave: hello")
}

func TestTCP_ServeReturnsNilOnCancel(t *testing.T) {
	cfg := DefaultTCPConfig()
	cfg.Addr = "127.0.0.1:0"
	l, err := Listen(cfg, chat.NewHub(chat.DefaultHubConfig(), discard), discard)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	c := dial(t, l.Addr().String())
	c.expect(t, "Enter your username:")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	require.Equal(t, 0, l.Count())

	_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = c.r.ReadString('\n')
	require.Error(t, err, "client connection should be closed by shutdown")
}

func TestListen_BindFailure(t *testing.T) {
	cfg := DefaultTCPConfig()
	cfg.Addr = "127.0.0.1:0"
	first, err := Listen(cfg, chat.NewHub(chat.DefaultHubConfig(), discard), discard)
	require.NoError(t, err)
	defer first.Close()

	cfg.Addr = first.Addr().String()
	_, err = Listen(cfg, chat.NewHub(chat.DefaultHubConfig(), discard), discard)
	require.Error(t, err)
}

func TestLineConn(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()
	cfg := DefaultTCPConfig()
	cfg.MaxLineBytes = 8
	c := newLineConn(server, cfg)
	defer c.Close()

	go func() {
		_, _ = io.WriteString(peer, "short\r\n12345678\n"+strings.Repeat("x", 9)+"\n")
	}()

	line, err := c.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "short", line)

	line, err = c.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "12345678", line)

	_, err = c.ReadLine()
	require.ErrorIs(t, err, ErrLineTooLong)
}

func TestLineConn_WriteAndEOF(t *testing.T) {
	server, peer := net.Pipe()
	c := newLineConn(server, DefaultTCPConfig())

	got := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(peer).ReadString('\n')
		got <- line
		peer.Close()
	}()

	require.NoError(t, c.WriteLine("alice: hello"))
	require.Equal(t, "alice: hello\n", <-got)

	_, err := c.ReadLine()
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", &net.OpError{Op: "accept", Err: timeoutErr{}}, true},
		{"closed", net.ErrClosed, false},
		{"plain", errors.New("boom"), false},
		{"wrapped path error", &os.PathError{Op: "open", Err: errors.New("nope")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNextDelay(t *testing.T) {
	var d time.Duration
	want := []time.Duration{
		5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond,
		80 * time.Millisecond, 160 * time.Millisecond, 320 * time.Millisecond, 640 * time.Millisecond,
		time.Second, time.Second,
	}
	for i, w := range want {
		d = nextDelay(d)
		if d != w {
			t.Fatalf("step %d: delay = %v, want %v", i, d, w)
		}
	}
}
