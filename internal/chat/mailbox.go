package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/whisper/linechat/internal/metrics"
)

// DefaultMailboxSize is the number of undelivered messages a peer may have
// queued before the overflow policy applies.
const DefaultMailboxSize = 128

// OverflowPolicy decides what Enqueue does when a mailbox is full.
type OverflowPolicy string

const (
	// OverflowBlock waits for the writer to free a slot or for the mailbox to close.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDropNewest discards the message being enqueued.
	OverflowDropNewest OverflowPolicy = "drop-newest"
	// OverflowDropOldest evicts the oldest queued message to make room.
	OverflowDropOldest OverflowPolicy = "drop-oldest"
	// OverflowDisconnect closes the mailbox, which tears the slow peer down.
	OverflowDisconnect OverflowPolicy = "disconnect"
)

// ParseOverflowPolicy validates a policy name. The empty string selects OverflowBlock.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(s); p {
	case "":
		return OverflowBlock, nil
	case OverflowBlock, OverflowDropNewest, OverflowDropOldest, OverflowDisconnect:
		return p, nil
	}
	return "", fmt.Errorf("chat: unknown overflow policy %q", s)
}

// Mailbox is the bounded FIFO of messages waiting to be written to one peer.
// Any number of goroutines may enqueue; exactly one writer receives.
type Mailbox struct {
	queue    chan *Message
	done     chan struct{}
	sealed   chan struct{}
	once     sync.Once
	sealOnce sync.Once
	policy   OverflowPolicy
}

// NewMailbox returns an open mailbox. A non-positive size selects
// DefaultMailboxSize and an empty policy selects OverflowBlock.
func NewMailbox(size int, policy OverflowPolicy) *Mailbox {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	if policy == "" {
		policy = OverflowBlock
	}
	return &Mailbox{
		queue:  make(chan *Message, size),
		done:   make(chan struct{}),
		sealed: make(chan struct{}),
		policy: policy,
	}
}

// Policy returns the overflow policy the mailbox was created with.
func (mb *Mailbox) Policy() OverflowPolicy { return mb.policy }

// Len returns the number of queued messages.
func (mb *Mailbox) Len() int { return len(mb.queue) }

// Cap returns the mailbox capacity.
func (mb *Mailbox) Cap() int { return cap(mb.queue) }

// Close marks the mailbox closed and releases every blocked Enqueue and
// Receive. Queued messages are discarded. It is safe to call more than once.
func (mb *Mailbox) Close() {
	mb.once.Do(func() { close(mb.done) })
}

// Seal stops the mailbox from accepting messages. Receive keeps returning the
// messages already queued and reports ErrMailboxClosed once they are gone.
// It is safe to call more than once, before or after Close.
func (mb *Mailbox) Seal() {
	mb.sealOnce.Do(func() { close(mb.sealed) })
}

// Closed reports whether the mailbox no longer accepts messages, after
// either Close or Seal.
func (mb *Mailbox) Closed() bool {
	select {
	case <-mb.done:
		return true
	case <-mb.sealed:
		return true
	default:
		return false
	}
}

// Done is closed when the mailbox is closed.
func (mb *Mailbox) Done() <-chan struct{} { return mb.done }

// offer queues msg without blocking. It reports false when the mailbox is full.
func (mb *Mailbox) offer(msg *Message) (bool, error) {
	if mb.Closed() {
		return false, ErrMailboxClosed
	}
	select {
	case mb.queue <- msg:
		return true, nil
	default:
		return false, nil
	}
}

// Enqueue appends msg to the mailbox. When the mailbox is full the overflow
// policy applies; under OverflowBlock the call waits until a slot frees, the
// mailbox closes (ErrMailboxClosed) or ctx is done.
func (mb *Mailbox) Enqueue(ctx context.Context, msg *Message) error {
	ok, err := mb.offer(msg)
	if err != nil || ok {
		return err
	}
	metrics.MailboxOverflow.WithLabelValues(string(mb.policy)).Inc()

	switch mb.policy {
	case OverflowDropNewest:
		return ErrMailboxFull
	case OverflowDisconnect:
		mb.Close()
		return ErrMailboxFull
	case OverflowDropOldest:
		for {
			select {
			case <-mb.queue:
			default:
			}
			ok, err := mb.offer(msg)
			if err != nil {
				return err
			}
			if ok {
				return ErrMailboxFull
			}
		}
	}

	select {
	case mb.queue <- msg:
		return nil
	case <-mb.done:
		return ErrMailboxClosed
	case <-mb.sealed:
		return ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next message in FIFO order, waiting until one arrives,
// the mailbox closes or ctx is done. Messages still queued at Close are
// discarded; after Seal they are returned until the queue is empty.
func (mb *Mailbox) Receive(ctx context.Context) (*Message, error) {
	select {
	case <-mb.done:
		return nil, ErrMailboxClosed
	default:
	}
	select {
	case msg := <-mb.queue:
		return msg, nil
	case <-mb.sealed:
		select {
		case msg := <-mb.queue:
			return msg, nil
		default:
			return nil, ErrMailboxClosed
		}
	case <-mb.done:
		return nil, ErrMailboxClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
