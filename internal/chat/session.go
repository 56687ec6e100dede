package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
)

// Prompt is the first line written to every new connection.
const Prompt = "Enter your username:"

// Conn is one line-oriented client connection. ReadLine returns the next line
// without its terminator and io.EOF once the client is gone. Close must be
// safe to call more than once and must unblock a pending ReadLine.
type Conn interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	RemoteAddr() string
	Close() error
}

// State is the protocol state of a session.
type State int

const (
	StateConnecting State = iota
	StateAwaitingUsername
	StateJoined
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingUsername:
		return "awaiting_username"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session runs the chat protocol for one connection.
type Session struct {
	id       string
	remote   string
	username string
	state    State
	joinedAt time.Time
	lines    int // chat lines broadcast, excluding those the limiter dropped

	conn   Conn
	hub    *Hub
	logger *slog.Logger
}

func newSession(hub *Hub, conn Conn) *Session {
	id := uuid.NewString()
	remote := conn.RemoteAddr()
	return &Session{
		id:     id,
		remote: remote,
		conn:   conn,
		hub:    hub,
		logger: hub.logger.With("session", id, "remote", remote),
	}
}

func (s *Session) transition(state State) {
	s.state = state
	if s.username != "" {
		s.logger.Info("session state changed", "state", state.String(), "username", s.username)
		return
	}
	s.logger.Info("session state changed", "state", state.String())
}

func (s *Session) peer() Peer {
	return Peer{SessionID: s.id, Username: s.username, Remote: s.remote, JoinedAt: s.joinedAt}
}

func (s *Session) run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()
	defer s.conn.Close()

	s.transition(StateConnecting)
	if err := s.conn.WriteLine(Prompt); err != nil {
		s.logger.Warn("failed to send prompt", "error", err)
		s.transition(StateDisconnected)
		return
	}

	s.transition(StateAwaitingUsername)
	username, err := s.conn.ReadLine()
	if err != nil {
		s.logReadError("failed to read username", err)
		s.transition(StateDisconnected)
		return
	}
	s.username = username
	s.joinedAt = time.Now()

	h := s.hub
	mb := NewMailbox(h.cfg.MailboxSize, h.cfg.Overflow)
	if replaced := h.registry.Register(s.remote, mb); replaced != nil {
		s.logger.Warn("identity already registered, replacing previous mailbox", "username", s.username)
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		runWriter(ctx, s.conn, mb, s.logger)
	}()

	s.transition(StateJoined)
	h.joined(ctx, s.peer())
	h.Broadcast(ctx, s.remote, NewJoined(s.username))

	s.readLoop(ctx)

	// The client may still be reading after it stopped sending, so the
	// writer flushes what is already queued before the connection closes.
	h.registry.Remove(s.remote, mb)
	mb.Seal()
	h.Broadcast(ctx, s.remote, NewLeft(s.username))
	s.drain(mb, writerDone)
	h.left(ctx, s.peer(), s.lines)
	s.transition(StateDisconnected)
}

// drain waits for the writer to empty a sealed mailbox. A peer that does not
// read within the hub's drain timeout loses its remaining messages.
func (s *Session) drain(mb *Mailbox, writerDone <-chan struct{}) {
	timer := time.NewTimer(s.hub.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-writerDone:
		return
	case <-timer.C:
	}
	s.logger.Warn("peer did not drain its mailbox in time, dropping queued messages",
		"username", s.username, "queued", mb.Len())
	mb.Close()
	_ = s.conn.Close()
	<-writerDone
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			s.logReadError("read failed", err)
			return
		}
		if !s.hub.allow(ctx, s) {
			continue
		}
		s.lines++
		s.hub.Broadcast(ctx, s.remote, NewChat(s.username, line))
	}
}

func (s *Session) logReadError(msg string, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		s.logger.Debug("connection closed", "error", err)
		return
	}
	s.logger.Warn(msg, "error", err)
}
