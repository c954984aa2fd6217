package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "collab:sess:"
	serverPrefix = "collab:server:" // SET of session ids held by one server

	// TTL bounds how long a record outlives its connection. The heartbeat
	// refreshes it well inside this window.
	TTL = time.Hour

	StatusConnected = "connected" // upgraded, no note open
	StatusEditing   = "editing"   // attached to NoteID
)

// Session is the Redis record of one WebSocket connection.
type Session struct {
	ID          string `redis:"id"`
	UserID      string `redis:"user_id"`
	DisplayName string `redis:"display_name"`
	Status      string `redis:"status"`
	NoteID      string `redis:"note_id"`
	Server      string `redis:"server"`
	CreatedAt   int64  `redis:"created_at"`
	LastActive  int64  `redis:"last_active"`
}

// Store keeps Session records for the connections of one server.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore dials Redis and fails if it does not answer a PING.
func NewStore(addr, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: ping %s: %w", addr, err)
	}
	return NewStoreWithClient(client, serverName), nil
}

func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

func key(sessionID string) string { return keyPrefix + sessionID }

func (s *Store) serverKey() string { return serverPrefix + s.serverName + ":sess" }

// Create records a freshly upgraded connection.
func (s *Store) Create(ctx context.Context, sessionID, userID, displayName string) error {
	now := time.Now().Unix()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key(sessionID), Session{
			ID:          sessionID,
			UserID:      userID,
			DisplayName: displayName,
			Status:      StatusConnected,
			Server:      s.serverName,
			CreatedAt:   now,
			LastActive:  now,
		})
		pipe.Expire(ctx, key(sessionID), TTL)
		pipe.SAdd(ctx, s.serverKey(), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: create %s: %w", sessionID, err)
	}
	return nil
}

// Get returns the record for sessionID, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, key(sessionID)).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// SetNote marks the session as editing noteID.
func (s *Store) SetNote(ctx context.Context, sessionID, noteID string) error {
	return s.setStatus(ctx, sessionID, StatusEditing, noteID)
}

// ClearNote marks the session as connected with no note open.
func (s *Store) ClearNote(ctx context.Context, sessionID string) error {
	return s.setStatus(ctx, sessionID, StatusConnected, "")
}

func (s *Store) setStatus(ctx context.Context, sessionID, status, noteID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key(sessionID), "status", status, "note_id", noteID, "last_active", time.Now().Unix())
		pipe.Expire(ctx, key(sessionID), TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: set %s %s: %w", sessionID, status, err)
	}
	return nil
}

// RefreshTTL keeps a live connection's record from expiring.
func (s *Store) RefreshTTL(ctx context.Context, sessionID string) error {
	return s.client.Expire(ctx, key(sessionID), TTL).Err()
}

// Delete drops the record when the connection closes.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key(sessionID))
		pipe.SRem(ctx, s.serverKey(), sessionID)
		return nil
	})
	return err
}

// PurgeServer removes every record this server name still owns. It runs at
// startup: connections from a previous process with the same name are gone.
func (s *Store) PurgeServer(ctx context.Context) (int, error) {
	ids, err := s.client.SMembers(ctx, s.serverKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("session: list %s: %w", s.serverName, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, key(id))
	}
	keys = append(keys, s.serverKey())
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("session: purge %s: %w", s.serverName, err)
	}
	return len(ids), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Client exposes the connection for the presence mirror and rate limiter.
func (s *Store) Client() *redis.Client {
	return s.client
}
