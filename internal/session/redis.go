package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefix for sessions
	sessionKeyPrefix = "caisachat:session:"
	// Default TTL for session keys
	defaultRedisTTL = 24 * time.Hour
)

// RedisStore keeps state as JSON so sessions survive restarts. The turn
// lock in Registry is process-local, so run a single replica per store.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed session store
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Get refreshes the key's TTL on every hit.
func (s *RedisStore) Get(ctx context.Context, id string) (*State, error) {
	key := s.key(id)
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	st := &State{}
	if err := json.Unmarshal(val, st); err != nil {
		return nil, err
	}

	// A failed refresh only shortens the session's life.
	_ = s.client.Expire(ctx, key, s.ttl).Err()
	return st, nil
}

func (s *RedisStore) Save(ctx context.Context, st *State) error {
	val, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(st.ID()), val, s.ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(id string) string {
	return sessionKeyPrefix + id
}
