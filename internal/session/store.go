package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Delete when the session does not exist
var ErrNotFound = errors.New("session not found")

// Store persists conversation state between requests
type Store interface {
	// Get returns nil, nil when no state exists for id.
	Get(ctx context.Context, id string) (*State, error)
	Save(ctx context.Context, st *State) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// StoreType selects a Store implementation
type StoreType string

const (
	StoreMemory StoreType = "memory"
	StoreRedis  StoreType = "redis"
)

// StoreConfig holds the settings for NewStore
type StoreConfig struct {
	Type     StoreType
	TTL      time.Duration
	RedisURL string
}

// NewStore creates the configured session store
func NewStore(cfg StoreConfig) (Store, error) {
	switch cfg.Type {
	case StoreMemory, "":
		return NewMemoryStore(cfg.TTL), nil
	case StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		return NewRedisStore(redis.NewClient(opts), cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unknown session store type: %s", cfg.Type)
	}
}
