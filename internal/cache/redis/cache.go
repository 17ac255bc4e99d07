// Package redis provides a scrape.ResultCache shared across processes
// through Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/scrapegate/internal/scrape"
)

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

const connectionTimeout = 5 * time.Second

// Config holds Redis connection settings.
type Config struct {
	Address  string
	Password string
	DB       int
}

// NewClient creates a Redis client and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Cache stores results as JSON strings with a Redis-side expiry.
type Cache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ scrape.ResultCache = (*Cache)(nil)

// New wraps client. Keys are written as prefix+key.
func New(client redis.Cmdable, prefix string, ttl time.Duration) *Cache {
	return &Cache{client: client, prefix: prefix, ttl: ttl}
}

// Get returns the cached result for key.
func (c *Cache) Get(ctx context.Context, key string) (scrape.Result, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return scrape.Result{}, false, nil
	}
	if err != nil {
		return scrape.Result{}, false, fmt.Errorf("redis get: %w", err)
	}
	var result scrape.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return scrape.Result{}, false, fmt.Errorf("decode cached result: %w", err)
	}
	return result, true, nil
}

// Set stores result under key with the cache TTL.
func (c *Cache) Set(ctx context.Context, key string, result scrape.Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Invalidate deletes key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
