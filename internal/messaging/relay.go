package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/whisper/linechat/internal/chat"
)

// Envelope is the payload published on SubjectBroadcast.
type Envelope struct {
	Origin  string `json:"origin"` // server name of the publishing instance
	Kind    string `json:"kind"`   // joined | left | chat
	Sender  string `json:"sender"`
	Content string `json:"content,omitempty"`
	Ts      int64  `json:"ts"` // unix millis
}

// Encode wraps msg in an Envelope stamped with origin.
func Encode(origin string, msg *chat.Message) ([]byte, error) {
	return json.Marshal(Envelope{
		Origin:  origin,
		Kind:    msg.Kind().String(),
		Sender:  msg.Sender(),
		Content: msg.Content(),
		Ts:      time.Now().UnixMilli(),
	})
}

// Decode parses an Envelope and rebuilds its message.
func Decode(data []byte) (Envelope, *chat.Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, nil, fmt.Errorf("relay: unmarshal: %w", err)
	}
	kind, err := chat.ParseKind(env.Kind)
	if err != nil {
		return env, nil, fmt.Errorf("relay: %w", err)
	}
	msg, err := chat.Restore(kind, env.Sender, env.Content)
	if err != nil {
		return env, nil, fmt.Errorf("relay: %w", err)
	}
	return env, msg, nil
}

// Deliverer fans a relayed message out to local peers. *chat.Hub implements it.
type Deliverer interface {
	Deliver(ctx context.Context, msg *chat.Message) int
}

// Relay connects the chat hubs of several server instances through NATS.
// It implements chat.Relay.
type Relay struct {
	client *NATSClient
	origin string
	logger *slog.Logger
}

var _ chat.Relay = (*Relay)(nil)

// NewRelay creates a relay that stamps outgoing messages with origin.
func NewRelay(client *NATSClient, origin string, logger *slog.Logger) *Relay {
	return &Relay{client: client, origin: origin, logger: logger.With("component", "relay")}
}

// Publish sends a locally originated message to the other instances.
func (r *Relay) Publish(_ context.Context, msg *chat.Message) error {
	data, err := Encode(r.origin, msg)
	if err != nil {
		return fmt.Errorf("relay: marshal: %w", err)
	}
	return r.client.Publish(SubjectBroadcast, data)
}

// Start subscribes to SubjectBroadcast and delivers messages from other
// instances to d. Messages published by this instance are skipped since they
// were already delivered locally.
func (r *Relay) Start(ctx context.Context, d Deliverer) error {
	err := r.client.Subscribe(SubjectBroadcast, func(data []byte) {
		env, msg, err := Decode(data)
		if err != nil {
			r.logger.Warn("dropping malformed envelope", "error", err)
			return
		}
		if env.Origin == r.origin {
			return
		}
		n := d.Deliver(ctx, msg)
		r.logger.Debug("relayed message delivered", "origin", env.Origin, "kind", env.Kind, "peers", n)
	})
	if err != nil {
		return err
	}
	// Make sure the server has registered the subscription before any
	// local client can join.
	if err := r.client.Flush(); err != nil {
		return fmt.Errorf("relay: flush subscription: %w", err)
	}
	return nil
}

// Stop unsubscribes from SubjectBroadcast. Publish keeps working.
func (r *Relay) Stop() error {
	return r.client.Unsubscribe(SubjectBroadcast)
}
