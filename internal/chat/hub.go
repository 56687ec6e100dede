// Package chat implements the line-oriented broadcast chat: the per-connection
// session protocol, per-peer mailboxes and writers, and the registry that fans
// every message out to the other joined peers.
package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/whisper/linechat/internal/metrics"
)

// collaboratorTimeout bounds every call to an optional collaborator.
const collaboratorTimeout = 3 * time.Second

// DefaultDrainTimeout bounds how long a departing peer's writer may keep
// flushing queued messages.
const DefaultDrainTimeout = 5 * time.Second

// HubConfig holds the per-peer delivery settings.
type HubConfig struct {
	MailboxSize  int
	Overflow     OverflowPolicy
	DrainTimeout time.Duration
}

// DefaultHubConfig returns a 128 slot blocking mailbox per peer.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		MailboxSize:  DefaultMailboxSize,
		Overflow:     OverflowBlock,
		DrainTimeout: DefaultDrainTimeout,
	}
}

// Option configures optional Hub collaborators.
type Option func(*Hub)

// WithPresence records joined users in p.
func WithPresence(p Presence) Option { return func(h *Hub) { h.presence = p } }

// WithRelay publishes every locally originated message through r.
func WithRelay(r Relay) Option { return func(h *Hub) { h.relay = r } }

// WithLimiter drops chat lines that l rejects.
func WithLimiter(l Limiter) Option { return func(h *Hub) { h.limiter = l } }

// WithAuditor records session lifetimes in a.
func WithAuditor(a Auditor) Option { return func(h *Hub) { h.auditor = a } }

// Hub is shared by every connection of a server. Collaborators are optional
// and fail open: their errors are logged and the chat carries on.
type Hub struct {
	cfg      HubConfig
	registry *Registry
	logger   *slog.Logger

	presence Presence
	relay    Relay
	limiter  Limiter
	auditor  Auditor

	sessions sync.WaitGroup
}

// NewHub creates a hub with an empty registry.
func NewHub(cfg HubConfig, logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultMailboxSize
	}
	if cfg.Overflow == "" {
		cfg.Overflow = OverflowBlock
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	h := &Hub{
		cfg:      cfg,
		registry: NewRegistry(logger),
		logger:   logger.With("component", "hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Registry exposes the peer registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Serve runs the chat protocol on conn and returns when the session ends.
// Cancelling ctx closes the connection.
func (h *Hub) Serve(ctx context.Context, conn Conn) {
	h.sessions.Add(1)
	defer h.sessions.Done()
	metrics.Connections.Inc()
	defer metrics.Connections.Dec()

	newSession(h, conn).run(ctx)
}

// Wait blocks until every session started by Serve has returned.
func (h *Hub) Wait() { h.sessions.Wait() }

// Broadcast delivers a locally originated message to every peer except from
// and hands it to the relay, if any. It returns the number of local peers
// that accepted the message.
func (h *Hub) Broadcast(ctx context.Context, from string, msg *Message) int {
	start := time.Now()
	n := h.registry.Broadcast(ctx, from, msg)
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesTotal.WithLabelValues(msg.Kind().String()).Inc()

	if h.relay != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), collaboratorTimeout)
		defer cancel()
		if err := h.relay.Publish(rctx, msg); err != nil {
			h.logger.Warn("relay publish failed", "kind", msg.Kind().String(), "error", err)
		}
	}
	return n
}

// Deliver fans a message received from another server instance out to every
// local peer. It is never relayed again.
func (h *Hub) Deliver(ctx context.Context, msg *Message) int {
	metrics.MessagesTotal.WithLabelValues("relayed").Inc()
	return h.registry.Broadcast(ctx, "", msg)
}

func (h *Hub) allow(ctx context.Context, s *Session) bool {
	if h.limiter == nil {
		return true
	}
	lctx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()

	ok, err := h.limiter.Allow(lctx, s.id)
	if err != nil {
		s.logger.Warn("rate limiter unavailable, allowing line", "error", err)
		return true
	}
	if !ok {
		metrics.MessagesTotal.WithLabelValues("limited").Inc()
		s.logger.Debug("line dropped by rate limit", "username", s.username)
	}
	return ok
}

func (h *Hub) joined(ctx context.Context, peer Peer) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), collaboratorTimeout)
	defer cancel()

	if h.presence != nil {
		if err := h.presence.Join(cctx, peer); err != nil {
			h.logger.Warn("presence join failed", "session", peer.SessionID, "error", err)
		}
	}
	if h.auditor != nil {
		if err := h.auditor.Joined(cctx, peer); err != nil {
			h.logger.Warn("audit join failed", "session", peer.SessionID, "error", err)
		}
	}
}

func (h *Hub) left(ctx context.Context, peer Peer, lines int) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), collaboratorTimeout)
	defer cancel()

	if h.presence != nil {
		if err := h.presence.Leave(cctx, peer); err != nil {
			h.logger.Warn("presence leave failed", "session", peer.SessionID, "error", err)
		}
	}
	if h.auditor != nil {
		if err := h.auditor.Left(cctx, peer, lines); err != nil {
			h.logger.Warn("audit leave failed", "session", peer.SessionID, "error", err)
		}
	}
}
