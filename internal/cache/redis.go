// Package cache provides a Redis-backed store for derived modality arrays
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SyedDaiam9101/astro-ensemble/internal/modality"
)

const keyPrefix = "astro:modality:"

// Cache wraps a Redis client for modality storage
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a new Cache instance connected to the specified Redis address
// If addr is empty, defaults to localhost:6379. A zero ttl keeps entries forever.
func New(ctx context.Context, addr string, ttl time.Duration) (*Cache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})

	// Test connection
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	return &Cache{client: client, ttl: ttl}, nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Get retrieves an entry; ok is false when the key does not exist
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c.client == nil {
		return nil, false, fmt.Errorf("cache client is nil")
	}

	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}

	return data, true, nil
}

// PutOnce stores data with SETNX; an existing entry is left untouched and
// stored is false
func (c *Cache) PutOnce(ctx context.Context, key string, data []byte) (bool, error) {
	if c.client == nil {
		return false, fmt.Errorf("cache client is nil")
	}

	stored, err := c.client.SetNX(ctx, keyPrefix+key, data, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set %s: %w", key, err)
	}

	return stored, nil
}

// Ping checks the connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

var _ modality.Store = (*Cache)(nil)
