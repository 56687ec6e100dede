package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WSConfig holds tunable parameters for the WebSocket server.
type WSConfig struct {
	Addr         string        // address to listen on, e.g. ":8080"
	MaxLineBytes int           // largest accepted text frame
	WriteTimeout time.Duration // per-frame write deadline, 0 disables it
	Heartbeat    HeartbeatConfig
}

// DefaultWSConfig returns a WSConfig with the default line limit and heartbeat.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		Addr:         ":8080",
		MaxLineBytes: DefaultMaxLineBytes,
		WriteTimeout: 10 * time.Second,
		Heartbeat:    DefaultHeartbeatConfig(),
	}
}

// WSServer upgrades HTTP requests on /ws to WebSocket connections and runs
// the chat protocol on each, one line per text frame.
type WSServer struct {
	cfg        WSConfig
	handler    Handler
	logger     *slog.Logger
	conns      *connSet[*wsConn]
	httpServer *http.Server
}

// NewWSServer creates a WSServer. Nothing is bound until Serve.
func NewWSServer(cfg WSConfig, handler Handler, logger *slog.Logger) *WSServer {
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	if cfg.Heartbeat.Interval <= 0 {
		cfg.Heartbeat = DefaultHeartbeatConfig()
	}
	return &WSServer{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "ws"),
		conns:   newConnSet[*wsConn](),
	}
}

// Handler returns the HTTP handler serving /ws. Sessions started through it
// are bound to ctx.
func (s *WSServer) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.handleUpgrade(ctx, w, r)
	})
	return mux
}

// Count returns the number of open WebSocket connections.
func (s *WSServer) Count() int { return s.conns.Count() }

// Serve binds cfg.Addr and serves until ctx is done. The heartbeat runs for
// as long as Serve does.
func (s *WSServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.cfg.Addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.runHeartbeat(ctx)
	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	s.logger.Info("listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *WSServer) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	nc, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newWSConn(nc, s.cfg)
	s.conns.Add(c)
	defer s.conns.Remove(c)

	s.logger.Debug("connection upgraded", "remote", c.remote, "total", s.conns.Count())
	s.handler.Serve(ctx, c)
}

// shutdown stops accepting upgrades and closes every hijacked connection,
// which http.Server.Shutdown does not track.
func (s *WSServer) shutdown() {
	s.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown error", "error", err)
	}
	for _, c := range s.conns.All() {
		_ = c.Close()
	}
}

// wsConn adapts a server-side WebSocket to chat.Conn. Reads happen on the
// session goroutine only; writes from the chat writer and the heartbeat are
// serialized by writeMu.
type wsConn struct {
	conn   net.Conn
	remote string

	reader   *wsutil.Reader
	control  wsutil.FrameHandlerFunc
	ctrlBuf  bytes.Buffer
	pending  []string
	maxLine  int
	lastSeen atomic.Int64

	writeMu      sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

func newWSConn(nc net.Conn, cfg WSConfig) *wsConn {
	c := &wsConn{
		conn:         nc,
		remote:       nc.RemoteAddr().String(),
		maxLine:      cfg.MaxLineBytes,
		writeTimeout: cfg.WriteTimeout,
	}
	// Control frame replies are buffered and flushed under writeMu so they
	// never interleave with a data frame being written by another goroutine.
	c.control = wsutil.ControlFrameHandler(&c.ctrlBuf, ws.StateServerSide)
	c.reader = &wsutil.Reader{
		Source:         nc,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: c.control,
	}
	c.touch()
	return c
}

func (c *wsConn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

func (c *wsConn) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

// ReadLine returns the next line of the next text frame. A frame holding
// several "\n" separated lines yields them one by one.
func (c *wsConn) ReadLine() (string, error) {
	for len(c.pending) == 0 {
		if err := c.readFrame(); err != nil {
			return "", err
		}
	}
	line := c.pending[0]
	c.pending = c.pending[1:]
	return line, nil
}

func (c *wsConn) readFrame() error {
	hdr, err := c.reader.NextFrame()
	if err != nil {
		return err
	}
	c.touch()

	if hdr.OpCode.IsControl() {
		err := c.control(hdr, c.reader)
		if ferr := c.flushControl(); ferr != nil && err == nil {
			err = ferr
		}
		var closed wsutil.ClosedError
		if errors.As(err, &closed) {
			return io.EOF
		}
		return err
	}
	if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
		return c.reader.Discard()
	}

	payload, err := io.ReadAll(io.LimitReader(c.reader, int64(c.maxLine)+1))
	if ferr := c.flushControl(); ferr != nil && err == nil {
		err = ferr
	}
	if err != nil {
		return err
	}
	if len(payload) > c.maxLine {
		return fmt.Errorf("%w: frame exceeds %d bytes", ErrLineTooLong, c.maxLine)
	}

	text := strings.TrimSuffix(string(payload), "\n")
	for _, line := range strings.Split(text, "\n") {
		c.pending = append(c.pending, strings.TrimSuffix(line, "\r"))
	}
	return nil
}

func (c *wsConn) flushControl() error {
	if c.ctrlBuf.Len() == 0 {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(c.ctrlBuf.Bytes())
	c.ctrlBuf.Reset()
	return err
}

// WriteLine sends line as one text frame.
func (c *wsConn) WriteLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpText, []byte(line))
}

// WritePing sends a protocol-level ping frame, which browsers answer with a pong.
func (c *wsConn) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.conn, ws.NewPingFrame(nil))
}

func (c *wsConn) RemoteAddr() string { return c.remote }

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.conn.Close() })
	return c.closeErr
}
