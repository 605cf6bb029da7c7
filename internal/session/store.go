package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// ContextsSuffix names the set of open context keys of a session:
	// session:<id>:contexts.
	ContextsSuffix = ":contexts"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Session represents a connection's session state stored in Redis.
type Session struct {
	ID          string `redis:"id"`
	Participant string `redis:"participant"` // participant id announced in typing events
	Server      string `redis:"server"`      // which gateway instance
	CreatedAt   int64  `redis:"created_at"`  // unix timestamp
	LastActive  int64  `redis:"last_active"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this gateway instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: redisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: ping %s: %w", redisAddr, err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing client. Close closes it.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

func key(sessionID string) string         { return SessionPrefix + sessionID }
func contextsKey(sessionID string) string { return SessionPrefix + sessionID + ContextsSuffix }

// Create stores a new session for participant, expiring after SessionTTL.
func (s *Store) Create(ctx context.Context, sessionID, participant string) error {
	now := time.Now().Unix()
	sess := &Session{
		ID:          sessionID,
		Participant: participant,
		Server:      s.serverName,
		CreatedAt:   now,
		LastActive:  now,
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key(sessionID), sess)
		pipe.Expire(ctx, key(sessionID), SessionTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: create %s: %w", sessionID, err)
	}
	return nil
}

// Get returns the session, or nil when it does not exist or has expired.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	err := s.client.HGetAll(ctx, key(sessionID)).Scan(&session)
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if session.ID == "" {
		return nil, nil
	}
	return &session, nil
}

// AddContext records that the session opened contextKey and counts as
// activity.
func (s *Store) AddContext(ctx context.Context, sessionID, contextKey string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, contextsKey(sessionID), contextKey)
		s.refresh(ctx, pipe, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: add context %s to %s: %w", contextKey, sessionID, err)
	}
	return nil
}

// refresh queues a last_active bump and a TTL reset of both session keys.
func (s *Store) refresh(ctx context.Context, pipe redis.Pipeliner, sessionID string) {
	pipe.HSet(ctx, key(sessionID), "last_active", time.Now().Unix())
	pipe.Expire(ctx, key(sessionID), SessionTTL)
	pipe.Expire(ctx, contextsKey(sessionID), SessionTTL)
}

// RemoveContext forgets contextKey.
func (s *Store) RemoveContext(ctx context.Context, sessionID, contextKey string) error {
	if err := s.client.SRem(ctx, contextsKey(sessionID), contextKey).Err(); err != nil {
		return fmt.Errorf("session: remove context %s from %s: %w", contextKey, sessionID, err)
	}
	return nil
}

// Contexts returns the context keys the session has open.
func (s *Store) Contexts(ctx context.Context, sessionID string) ([]string, error) {
	keys, err := s.client.SMembers(ctx, contextsKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: contexts of %s: %w", sessionID, err)
	}
	return keys, nil
}

// Touch marks the session active and extends its TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		s.refresh(ctx, pipe, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: touch %s: %w", sessionID, err)
	}
	return nil
}

// Delete removes a session and its context set.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, key(sessionID), contextsKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", sessionID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying client, shared with the rate limiter and the
// Redis transports.
func (s *Store) Client() *redis.Client {
	return s.client
}
