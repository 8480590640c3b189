package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// UserPrefix is the Redis key prefix for all user state hashes.
	UserPrefix = "user:"

	// UserTTL is the time-to-live for user state keys in Redis.
	UserTTL = 1 * time.Hour

	// Status constants for the user state machine.
	StatusIdle     = "idle"
	StatusMatching = "matching"
)

// User represents a connected user's state stored in Redis.
type User struct {
	ID         string `redis:"id"`
	Status     string `redis:"status"`      // idle | matching
	RequestID  string `redis:"request_id"`  // empty unless matching
	Server     string `redis:"server"`      // which gateway instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages per-user gateway state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this gateway instance
}

// NewStore creates a new user state store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new user record in Redis with idle status and 1h TTL.
func (s *Store) Create(ctx context.Context, userID string) error {
	key := UserPrefix + userID
	now := time.Now().Unix()

	user := map[string]interface{}{
		"id":          userID,
		"status":      StatusIdle,
		"request_id":  "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, user)
	pipe.Expire(ctx, key, UserTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a user record from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, userID string) (*User, error) {
	key := UserPrefix + userID
	var user User
	err := s.client.HGetAll(ctx, key).Scan(&user)
	if err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, nil // not found
	}
	return &user, nil
}

// SetMatching records the in-flight match request and marks the user as
// matching.
func (s *Store) SetMatching(ctx context.Context, userID string, requestID string) error {
	key := UserPrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "status", StatusMatching, "request_id", requestID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, UserTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// ClearMatching removes the in-flight request and resets status to idle.
func (s *Store) ClearMatching(ctx context.Context, userID string) error {
	key := UserPrefix + userID
	return s.client.HSet(ctx, key, "status", StatusIdle, "request_id", "", "last_active", time.Now().Unix()).Err()
}

// RefreshTTL extends the user record's TTL.
func (s *Store) RefreshTTL(ctx context.Context, userID string) error {
	key := UserPrefix + userID
	return s.client.Expire(ctx, key, UserTTL).Err()
}

// Delete removes a user record from Redis.
func (s *Store) Delete(ctx context.Context, userID string) error {
	key := UserPrefix + userID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
