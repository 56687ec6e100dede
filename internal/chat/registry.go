package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/samber/lo"

	"github.com/whisper/linechat/internal/metrics"
)

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	peers map[string]*Mailbox
}

// Registry maps connection identities to the mailboxes of joined peers.
// The map is split into shards so that registrations on one shard do not
// contend with broadcasts iterating another.
type Registry struct {
	shards [shardCount]*shard
	logger *slog.Logger
}

type target struct {
	id string
	mb *Mailbox
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger.With("component", "registry")}
	for i := range r.shards {
		r.shards[i] = &shard{peers: make(map[string]*Mailbox)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	return r.shards[xxhash.Sum64String(id)%shardCount]
}

// Register inserts or replaces the mailbox for id. The previously registered
// mailbox, if any, is returned; it no longer receives broadcasts.
func (r *Registry) Register(id string, mb *Mailbox) (replaced *Mailbox) {
	s := r.shardFor(id)
	s.mu.Lock()
	replaced = s.peers[id]
	s.peers[id] = mb
	s.mu.Unlock()

	if replaced == nil {
		metrics.Peers.Inc()
	}
	return replaced
}

// Deregister removes id if present.
func (r *Registry) Deregister(id string) {
	s := r.shardFor(id)
	s.mu.Lock()
	_, ok := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()

	if ok {
		metrics.Peers.Dec()
	}
}

// Remove deletes id only while it still maps to mb and reports whether it did.
// A session tearing down never removes the entry of a newer session that
// registered under the same identity.
func (r *Registry) Remove(id string, mb *Mailbox) bool {
	s := r.shardFor(id)
	s.mu.Lock()
	cur, ok := s.peers[id]
	ok = ok && cur == mb
	if ok {
		delete(s.peers, id)
	}
	s.mu.Unlock()

	if ok {
		metrics.Peers.Dec()
	}
	return ok
}

// Lookup returns the mailbox registered for id.
func (r *Registry) Lookup(id string) (*Mailbox, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	mb, ok := s.peers[id]
	return mb, ok
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.peers)
		s.mu.RUnlock()
	}
	return n
}

// Identities returns the registered identities in sorted order.
func (r *Registry) Identities() []string {
	ids := make([]string, 0)
	for _, s := range r.shards {
		s.mu.RLock()
		ids = append(ids, lo.Keys(s.peers)...)
		s.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) snapshot(excluding string) []target {
	var targets []target
	for _, s := range r.shards {
		s.mu.RLock()
		for id, mb := range s.peers {
			if id != excluding {
				targets = append(targets, target{id: id, mb: mb})
			}
		}
		s.mu.RUnlock()
	}
	return targets
}

// Broadcast enqueues msg on the mailbox of every registered peer except
// excluding and returns the number of mailboxes that accepted it.
//
// Every target is first offered the message without blocking. Targets whose
// mailbox is full are then served concurrently according to their overflow
// policy, and Broadcast returns once all of them are done, so one saturated
// peer does not hold back delivery to the others. Entries whose mailbox turns
// out to be closed are removed.
func (r *Registry) Broadcast(ctx context.Context, excluding string, msg *Message) int {
	var (
		delivered int
		pending   []target
	)

	for _, t := range r.snapshot(excluding) {
		ok, err := t.mb.offer(msg)
		switch {
		case err != nil:
			r.settle(t, err)
		case ok:
			delivered++
		default:
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return delivered
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, t := range pending {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			err := t.mb.Enqueue(ctx, msg)
			if err == nil || (errors.Is(err, ErrMailboxFull) && t.mb.Policy() == OverflowDropOldest) {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
			r.settle(t, err)
		}(t)
	}
	wg.Wait()
	return delivered
}

// settle handles the outcome of an enqueue that did not simply succeed.
func (r *Registry) settle(t target, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrMailboxClosed), t.mb.Closed():
		if r.Remove(t.id, t.mb) {
			metrics.StalePeers.Inc()
			r.logger.Debug("removed stale peer", "remote", t.id, "error", err)
		}
	case errors.Is(err, ErrMailboxFull):
		r.logger.Debug("mailbox full", "remote", t.id, "policy", string(t.mb.Policy()))
	default:
		r.logger.Debug("enqueue abandoned", "remote", t.id, "error", err)
	}
}
