// Package audit provides PostgreSQL-backed storage for session audit records.
// Each record captures who joined, from where, on which server, when they
// left and how many lines they sent. Message content is never stored.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/whisper/linechat/internal/chat"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: postgres connection failed: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations. An up-to-date schema is not
// an error.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("audit: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("audit: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("audit: migrate up: %w", err)
	}
	return nil
}

// Store manages session audit records in PostgreSQL. It implements chat.Auditor.
type Store struct {
	db         *sql.DB
	serverName string
}

var _ chat.Auditor = (*Store)(nil)

// NewStore creates a new audit store backed by the given database handle.
func NewStore(db *sql.DB, serverName string) *Store {
	return &Store{db: db, serverName: serverName}
}

// Joined inserts an open record for peer.
func (s *Store) Joined(ctx context.Context, peer chat.Peer) error {
	const query = `
		INSERT INTO chat_sessions (session_id, username, remote_addr, server, joined_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query, peer.SessionID, peer.Username, peer.Remote, s.serverName, peer.JoinedAt)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Left closes the record for peer with the number of lines it sent.
func (s *Store) Left(ctx context.Context, peer chat.Peer, lines int) error {
	const query = `
		UPDATE chat_sessions
		SET left_at = NOW(), lines = $2
		WHERE session_id = $1 AND left_at IS NULL`

	_, err := s.db.ExecContext(ctx, query, peer.SessionID, lines)
	if err != nil {
		return fmt.Errorf("audit: close: %w", err)
	}
	return nil
}

// CloseOrphans closes every record this server left open, e.g. after a crash.
// It returns the number of records closed.
func (s *Store) CloseOrphans(ctx context.Context) (int64, error) {
	const query = `
		UPDATE chat_sessions
		SET left_at = NOW()
		WHERE server = $1 AND left_at IS NULL`

	res, err := s.db.ExecContext(ctx, query, s.serverName)
	if err != nil {
		return 0, fmt.Errorf("audit: close orphans: %w", err)
	}
	return res.RowsAffected()
}
