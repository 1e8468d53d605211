package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all presence hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for presence keys in Redis.
	SessionTTL = 1 * time.Hour

	// Status values mirrored for each connection.
	StatusIdle     = "idle"
	StatusQueued   = "queued"
	StatusChatting = "chatting"
)

// Session is the presence record of one connection.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"` // empty for anonymous connections
	Status     string `redis:"status"`  // idle | queued | chatting
	RoomID     string `redis:"room_id"` // empty unless chatting
	Server     string `redis:"server"`  // which WS server instance
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// Store manages presence records in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// Connect dials Redis and verifies the connection.
func Connect(redisAddr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// NewStore creates a presence store on an existing client. serverName tags
// every record with the owning server instance.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Track creates the presence record for a new connection with idle status.
func (s *Store) Track(ctx context.Context, connID, userID string) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          connID,
		"user_id":     userID,
		"status":      StatusIdle,
		"room_id":     "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: track %s: %w", connID, err)
	}
	return nil
}

// SetStatus records the connection's status and room, and refreshes the TTL.
func (s *Store) SetStatus(ctx context.Context, connID, status, roomID string) error {
	key := SessionPrefix + connID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "status", status, "room_id", roomID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: set status %s: %w", connID, err)
	}
	return nil
}

// Get retrieves a presence record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, SessionPrefix+connID).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// Forget removes the presence record of a closed connection.
func (s *Store) Forget(ctx context.Context, connID string) error {
	return s.client.Del(ctx, SessionPrefix+connID).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
