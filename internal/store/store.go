// Package store persists archived messages and match records in PostgreSQL.
// The schema is embedded and applied with golang-migrate on startup.
package store

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
	"github.com/lib/pq"

	"github.com/colmate/chat-app/internal/archive"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when a match does not exist.
var ErrNotFound = errors.New("store: not found")

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

// Migrate applies every pending up migration. It is a no-op when the schema
// is current.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Store reads and writes archive records. It implements archive.Store.
type Store struct {
	db *sql.DB
}

var _ archive.Store = (*Store)(nil)

// New creates a store on an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// MatchRecord is one stored match.
type MatchRecord struct {
	MatchID         string
	RoomID          string
	ConnA, ConnB    string
	UserA, UserB    string
	Score           int
	SharedInterests []string
	OpenedAt        time.Time
	ClosedAt        *time.Time
	CloseReason     string
}

// SaveMessage inserts an archived message. Redelivered messages are
// ignored.
func (s *Store) SaveMessage(ctx context.Context, ev archive.MessageEvent) error {
	const query = `
		INSERT INTO messages (id, match_id, room_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		ev.ID, ev.MatchID, ev.RoomID, ev.SenderID, ev.Content, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// OpenMatch records a new match. A repeated open, or an open arriving after
// the close for the same match, leaves the stored row unchanged.
func (s *Store) OpenMatch(ctx context.Context, ev archive.RoomEvent) error {
	const query = `
		INSERT INTO matches (match_id, room_id, conn_a, conn_b, user_a, user_b, score, shared_interests, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (match_id) DO NOTHING`

	a, b := ev.Members[0], ev.Members[1]
	_, err := s.db.ExecContext(ctx, query,
		ev.MatchID, ev.RoomID, a.ConnID, b.ConnID, a.UserID, b.UserID,
		ev.Score, pq.Array(ev.SharedInterests), ev.OpenedAt)
	if err != nil {
		return fmt.Errorf("store: insert match: %w", err)
	}
	return nil
}

// CloseMatch marks a match as ended. The close event carries the full room
// record, so it creates the row when the open event has not arrived yet.
// Only the first close is kept.
func (s *Store) CloseMatch(ctx context.Context, ev archive.RoomEvent) error {
	const query = `
		INSERT INTO matches (match_id, room_id, conn_a, conn_b, user_a, user_b, score, shared_interests, opened_at, closed_at, close_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (match_id) DO UPDATE
		SET closed_at = EXCLUDED.closed_at, close_reason = EXCLUDED.close_reason
		WHERE matches.closed_at IS NULL`

	a, b := ev.Members[0], ev.Members[1]
	_, err := s.db.ExecContext(ctx, query,
		ev.MatchID, ev.RoomID, a.ConnID, b.ConnID, a.UserID, b.UserID,
		ev.Score, pq.Array(ev.SharedInterests), ev.OpenedAt, ev.ClosedAt, ev.Reason)
	if err != nil {
		return fmt.Errorf("store: close match: %w", err)
	}
	return nil
}

// Match returns the stored record for matchID.
func (s *Store) Match(ctx context.Context, matchID string) (*MatchRecord, error) {
	const query = `
		SELECT match_id, room_id, conn_a, conn_b, user_a, user_b, score, shared_interests,
		       opened_at, closed_at, COALESCE(close_reason, '')
		FROM matches WHERE match_id = $1`

	var (
		rec      MatchRecord
		closedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, matchID).Scan(
		&rec.MatchID, &rec.RoomID, &rec.ConnA, &rec.ConnB, &rec.UserA, &rec.UserB,
		&rec.Score, pq.Array(&rec.SharedInterests), &rec.OpenedAt, &closedAt, &rec.CloseReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get match: %w", err)
	}
	if closedAt.Valid {
		t := closedAt.Time
		rec.ClosedAt = &t
	}
	return &rec, nil
}

// MessagesForMatch returns a match's messages oldest first.
func (s *Store) MessagesForMatch(ctx context.Context, matchID string) ([]archive.MessageEvent, error) {
	const query = `
		SELECT id, match_id, room_id, sender_id, content, created_at
		FROM messages WHERE match_id = $1
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, matchID)
	if err != nil {
		return nil, fmt.Errorf("store: query messages: %w", err)
	}
	defer rows.Close()

	var out []archive.MessageEvent
	for rows.Next() {
		var ev archive.MessageEvent
		if err := rows.Scan(&ev.ID, &ev.MatchID, &ev.RoomID, &ev.SenderID, &ev.Content, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	return out, nil
}
