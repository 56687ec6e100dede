// Package transport accepts client connections over TCP and WebSocket and
// hands each one to a chat Handler as a line-oriented chat.Conn.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whisper/linechat/internal/chat"
	"github.com/whisper/linechat/internal/metrics"
)

// DefaultMaxLineBytes bounds a single client line.
const DefaultMaxLineBytes = 64 * 1024

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Handler runs the chat protocol on an accepted connection. *chat.Hub
// implements it.
type Handler interface {
	Serve(ctx context.Context, conn chat.Conn)
}

// TCPConfig holds tunable parameters for the TCP listener.
type TCPConfig struct {
	Addr         string        // address to listen on, e.g. "0.0.0.0:6379"
	MaxLineBytes int           // longest accepted client line
	ReadTimeout  time.Duration // per-line read deadline, 0 disables it
	WriteTimeout time.Duration // per-line write deadline, 0 disables it
}

// DefaultTCPConfig returns the listener defaults: all interfaces on port
// 6379, 64 KiB lines and no deadlines.
func DefaultTCPConfig() TCPConfig {
	return TCPConfig{
		Addr:         "0.0.0.0:6379",
		MaxLineBytes: DefaultMaxLineBytes,
	}
}

// TCPListener accepts plain TCP clients and serves each on its own goroutine.
type TCPListener struct {
	cfg     TCPConfig
	ln      net.Listener
	handler Handler
	logger  *slog.Logger
	conns   *connSet[*lineConn]
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// Listen binds cfg.Addr. A bind failure is returned as is.
func Listen(cfg TCPConfig, handler Handler, logger *slog.Logger) (*TCPListener, error) {
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", cfg.Addr, err)
	}
	return &TCPListener{
		cfg:     cfg,
		ln:      ln,
		handler: handler,
		logger:  logger.With("component", "tcp"),
		conns:   newConnSet[*lineConn](),
	}, nil
}

// Addr returns the bound address.
func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

// Count returns the number of open connections.
func (l *TCPListener) Count() int { return l.conns.Count() }

// Close stops accepting. A Serve in progress returns nil.
func (l *TCPListener) Close() error {
	l.closed.Store(true)
	return l.ln.Close()
}

// Serve accepts connections until ctx is done or a fatal accept error occurs.
// Temporary errors are retried with exponential backoff. On return every
// connection still open is closed and its session has finished.
func (l *TCPListener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	defer l.drain()

	l.logger.Info("listening", "addr", l.ln.Addr().String())

	var delay time.Duration
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if l.closed.Load() {
				return nil
			}
			if isRetryable(err) {
				metrics.AcceptErrors.WithLabelValues("retryable").Inc()
				delay = nextDelay(delay)
				l.logger.Warn("accept failed, retrying", "error", err, "delay", delay)
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			metrics.AcceptErrors.WithLabelValues("fatal").Inc()
			l.logger.Error("accept failed", "error", err)
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("%w: %w", ErrListenerClosed, err)
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		delay = 0

		c := newLineConn(nc, l.cfg)
		l.conns.Add(c)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.conns.Remove(c)
			l.handler.Serve(ctx, c)
		}()
	}
}

func (l *TCPListener) drain() {
	for _, c := range l.conns.All() {
		_ = c.Close()
	}
	l.wg.Wait()
}

func isRetryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return isTemporaryErrno(err)
}

func nextDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	if next := prev * 2; next < maxAcceptDelay {
		return next
	}
	return maxAcceptDelay
}

// lineConn frames a stream connection as newline-terminated lines.
type lineConn struct {
	conn   net.Conn
	remote string

	scanner     *bufio.Scanner
	maxLine     int
	readTimeout time.Duration

	writeMu      sync.Mutex
	w            *bufio.Writer
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

func newLineConn(nc net.Conn, cfg TCPConfig) *lineConn {
	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	sc := bufio.NewScanner(nc)
	// Room for the terminator so a line of exactly maxLine bytes fits.
	sc.Buffer(make([]byte, 0, 4096), maxLine+2)

	return &lineConn{
		conn:         nc,
		remote:       nc.RemoteAddr().String(),
		scanner:      sc,
		maxLine:      maxLine,
		readTimeout:  cfg.ReadTimeout,
		w:            bufio.NewWriter(nc),
		writeTimeout: cfg.WriteTimeout,
	}
}

// ReadLine returns the next line with its "\n" and one trailing "\r" removed.
func (c *lineConn) ReadLine() (string, error) {
	if c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	if c.scanner.Scan() {
		line := c.scanner.Text()
		if len(line) > c.maxLine {
			return "", fmt.Errorf("%w: %d bytes", ErrLineTooLong, len(line))
		}
		return line, nil
	}
	if err := c.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return "", fmt.Errorf("%w: limit %d bytes", ErrLineTooLong, c.maxLine)
		}
		return "", err
	}
	return "", io.EOF
}

func (c *lineConn) WriteLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := c.w.WriteString(line); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *lineConn) RemoteAddr() string { return c.remote }

func (c *lineConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.conn.Close() })
	return c.closeErr
}
