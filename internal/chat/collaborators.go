//go:generate go run go.uber.org/mock/mockgen -source=collaborators.go -destination=mocks/mock_collaborators.go -package=mocks
package chat

import (
	"context"
	"time"
)

// Peer describes a joined session to the hub's collaborators.
type Peer struct {
	SessionID string
	Username  string
	Remote    string
	JoinedAt  time.Time
}

// Presence records which users are online.
type Presence interface {
	Join(ctx context.Context, peer Peer) error
	Leave(ctx context.Context, peer Peer) error
}

// Relay forwards locally originated messages to other server instances.
type Relay interface {
	Publish(ctx context.Context, msg *Message) error
}

// Limiter decides whether a session may send another chat line.
type Limiter interface {
	Allow(ctx context.Context, sessionID string) (bool, error)
}

// Auditor keeps a durable record of session lifetimes.
type Auditor interface {
	Joined(ctx context.Context, peer Peer) error
	Left(ctx context.Context, peer Peer, lines int) error
}
