package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/linechat/internal/chat"
)

// newTestStore connects to the database named by TEST_DATABASE_URL and
// applies the migrations. Tests that call this helper are skipped when the
// variable is unset or the database is unreachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := Open(context.Background(), dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	// Migrating twice is a no-op.
	if err := Migrate(db); err != nil {
		t.Fatalf("second Migrate() error: %v", err)
	}
	return NewStore(db, "test-"+uuid.NewString()[:8])
}

// Record is one row of chat_sessions as read back by the tests.
type Record struct {
	SessionID string
	Username  string
	Remote    string
	Server    string
	JoinedAt  time.Time
	LeftAt    *time.Time // nil while the session is open
	Lines     int
}

// getRecord reads the row for sessionID, or nil if there is none.
func getRecord(ctx context.Context, s *Store, sessionID string) (*Record, error) {
	const query = `
		SELECT session_id, username, remote_addr, server, joined_at, left_at, lines
		FROM chat_sessions
		WHERE session_id = $1`

	var (
		r      Record
		leftAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&r.SessionID, &r.Username, &r.Remote, &r.Server, &r.JoinedAt, &leftAt, &r.Lines,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: get: %w", err)
	}
	if leftAt.Valid {
		r.LeftAt = &leftAt.Time
	}
	return &r, nil
}

func TestJoinedAndLeft(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	peer := chat.Peer{
		SessionID: uuid.NewString(),
		Username:  "alice",
		Remote:    "10.0.0.1:1000",
		JoinedAt:  time.Now().Truncate(time.Second),
	}

	if err := store.Joined(ctx, peer); err != nil {
		t.Fatalf("Joined() error: %v", err)
	}
	rec, err := getRecord(ctx, store, peer.SessionID)
	if err != nil {
		t.Fatalf("getRecord() error: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record after Joined")
	}
	if rec.LeftAt != nil {
		t.Errorf("open record has left_at %v", rec.LeftAt)
	}
	if rec.Username != "alice" || rec.Server != store.serverName {
		t.Errorf("unexpected record %+v", rec)
	}

	if err := store.Left(ctx, peer, 7); err != nil {
		t.Fatalf("Left() error: %v", err)
	}
	rec, err = getRecord(ctx, store, peer.SessionID)
	if err != nil {
		t.Fatalf("getRecord() error: %v", err)
	}
	if rec.LeftAt == nil {
		t.Error("expected left_at after Left")
	}
	if rec.Lines != 7 {
		t.Errorf("lines = %d, want 7", rec.Lines)
	}
}

func TestCloseOrphans(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		peer := chat.Peer{SessionID: uuid.NewString(), Username: "ghost", JoinedAt: time.Now()}
		if err := store.Joined(ctx, peer); err != nil {
			t.Fatalf("Joined() error: %v", err)
		}
	}

	n, err := store.CloseOrphans(ctx)
	if err != nil {
		t.Fatalf("CloseOrphans() error: %v", err)
	}
	if n != 2 {
		t.Errorf("closed %d orphans, want 2", n)
	}
}

func TestGetRecordUnknown(t *testing.T) {
	store := newTestStore(t)
	rec, err := getRecord(context.Background(), store, uuid.NewString())
	if err != nil {
		t.Fatalf("getRecord() error: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil record, got %+v", rec)
	}
}
