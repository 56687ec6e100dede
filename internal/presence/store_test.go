package presence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/linechat/internal/chat"
)

// newTestStore creates a Store connected to a local Redis instance. Tests
// that call this helper require a running Redis on localhost:6379.
func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, KeyPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		members, _ := client.SMembers(ctx, OnlineKey).Result()
		for _, m := range members {
			if len(m) > 5 && m[:5] == "test_" {
				client.SRem(ctx, OnlineKey, m)
			}
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewStore(client, "test-server", time.Minute), client
}

func TestJoinAndLeave(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()
	peer := chat.Peer{SessionID: "test_join", Username: "alice", Remote: "10.0.0.1:1000", JoinedAt: time.Now()}

	if err := store.Join(ctx, peer); err != nil {
		t.Fatalf("Join() error: %v", err)
	}

	entry, err := store.Get(ctx, "test_join")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if entry == nil {
		t.Fatal("expected entry after Join")
	}
	if entry.Username != "alice" || entry.Server != "test-server" || entry.Remote != "10.0.0.1:1000" {
		t.Errorf("unexpected entry %+v", entry)
	}
	ttl, err := client.TTL(ctx, KeyPrefix+"test_join").Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want within (0, 1m]", ttl)
	}

	if err := store.Leave(ctx, peer); err != nil {
		t.Fatalf("Leave() error: %v", err)
	}
	entry, err = store.Get(ctx, "test_join")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if entry != nil {
		t.Errorf("expected no entry after Leave, got %+v", entry)
	}
}

func TestRosterPrunesExpired(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, name := range []string{"bob", "carol"} {
		peer := chat.Peer{
			SessionID: "test_roster_" + name,
			Username:  name,
			JoinedAt:  now.Add(time.Duration(i) * time.Second),
		}
		if err := store.Join(ctx, peer); err != nil {
			t.Fatalf("Join(%s) error: %v", name, err)
		}
	}
	// A member whose hash expired.
	client.SAdd(ctx, OnlineKey, "test_roster_ghost")

	names, err := store.Usernames(ctx)
	if err != nil {
		t.Fatalf("Usernames() error: %v", err)
	}
	var ours []string
	for _, n := range names {
		if n == "bob" || n == "carol" {
			ours = append(ours, n)
		}
	}
	if len(ours) != 2 || ours[0] != "bob" || ours[1] != "carol" {
		t.Errorf("roster = %v, want [bob carol]", ours)
	}

	isMember, err := client.SIsMember(ctx, OnlineKey, "test_roster_ghost").Result()
	if err != nil {
		t.Fatalf("SIsMember() error: %v", err)
	}
	if isMember {
		t.Error("expired member was not pruned from the online set")
	}
}
