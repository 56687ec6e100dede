// Package presence records which users are online in Redis so that every
// server instance, and any operator tooling, can list the current roster.
package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"github.com/whisper/linechat/internal/chat"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// OnlineKey is the Redis set holding the ids of online sessions.
	OnlineKey = "presence:online"

	// DefaultTTL bounds how long a presence entry outlives a crashed server.
	DefaultTTL = 1 * time.Hour
)

// Entry is one online session as stored in Redis.
type Entry struct {
	SessionID string `redis:"session_id"`
	Username  string `redis:"username"`
	Remote    string `redis:"remote"`
	Server    string `redis:"server"`    // which server instance holds the connection
	JoinedAt  int64  `redis:"joined_at"` // unix timestamp
}

// Store manages presence entries in Redis. It implements chat.Presence.
type Store struct {
	client     *redis.Client
	serverName string
	ttl        time.Duration
}

var _ chat.Presence = (*Store)(nil)

// Connect opens a Redis client for addr and verifies the connection.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}
	return client, nil
}

// NewStore creates a presence store. A non-positive ttl selects DefaultTTL.
func NewStore(client *redis.Client, serverName string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, serverName: serverName, ttl: ttl}
}

// Join stores the peer's entry with the configured TTL and adds it to the online set.
func (s *Store) Join(ctx context.Context, peer chat.Peer) error {
	key := KeyPrefix + peer.SessionID

	entry := map[string]interface{}{
		"session_id": peer.SessionID,
		"username":   peer.Username,
		"remote":     peer.Remote,
		"server":     s.serverName,
		"joined_at":  peer.JoinedAt.Unix(),
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, entry)
	pipe.Expire(ctx, key, s.ttl)
	pipe.SAdd(ctx, OnlineKey, peer.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: join %s: %w", peer.SessionID, err)
	}
	return nil
}

// Leave removes the peer's entry and its online set membership.
func (s *Store) Leave(ctx context.Context, peer chat.Peer) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, KeyPrefix+peer.SessionID)
	pipe.SRem(ctx, OnlineKey, peer.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: leave %s: %w", peer.SessionID, err)
	}
	return nil
}

// Get returns the entry for sessionID, or nil if it is not online.
func (s *Store) Get(ctx context.Context, sessionID string) (*Entry, error) {
	var entry Entry
	if err := s.client.HGetAll(ctx, KeyPrefix+sessionID).Scan(&entry); err != nil {
		return nil, err
	}
	if entry.SessionID == "" {
		return nil, nil // not found
	}
	return &entry, nil
}

// Roster lists every online session ordered by join time. Set members whose
// hash has expired are pruned from the online set.
func (s *Store) Roster(ctx context.Context) ([]Entry, error) {
	ids, err := s.client.SMembers(ctx, OnlineKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: roster: %w", err)
	}

	entries := make([]*Entry, len(ids))
	for i, id := range ids {
		entries[i], err = s.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("presence: roster %s: %w", id, err)
		}
	}

	expired := lo.Filter(ids, func(_ string, i int) bool { return entries[i] == nil })
	if len(expired) > 0 {
		members := lo.Map(expired, func(id string, _ int) interface{} { return id })
		s.client.SRem(ctx, OnlineKey, members...)
	}

	roster := lo.FilterMap(entries, func(e *Entry, _ int) (Entry, bool) {
		if e == nil {
			return Entry{}, false
		}
		return *e, true
	})
	sort.Slice(roster, func(i, j int) bool {
		if roster[i].JoinedAt != roster[j].JoinedAt {
			return roster[i].JoinedAt < roster[j].JoinedAt
		}
		return roster[i].SessionID < roster[j].SessionID
	})
	return roster, nil
}

// Usernames returns the usernames of the online roster.
func (s *Store) Usernames(ctx context.Context) ([]string, error) {
	roster, err := s.Roster(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Map(roster, func(e Entry, _ int) string { return e.Username }), nil
}
