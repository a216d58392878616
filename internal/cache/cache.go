package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/neexbeast/weather-lookup/internal/weather"
)

// Cache stores normalized readings in Redis as JSON, one key per city query.
type Cache struct {
	client *redis.Client
}

// NewCache constructs a Cache. TTLs are chosen per write by the caller.
func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Get retrieves a reading from cache.
// Returns nil, nil on a cache miss (not an error).
func (c *Cache) Get(ctx context.Context, key string) (*weather.Reading, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache get for %s: %w", key, err)
	}

	var r weather.Reading
	if err := json.Unmarshal(val, &r); err != nil {
		return nil, fmt.Errorf("unmarshaling cached reading for %s: %w", key, err)
	}

	return &r, nil
}

// Set stores a reading under key for ttl.
func (c *Cache) Set(ctx context.Context, key string, r *weather.Reading, ttl time.Duration) error {
	if r == nil {
		return nil
	}
	if ttl <= 0 {
		return fmt.Errorf("cache set for %s: ttl must be positive, got %s", key, ttl)
	}

	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling reading for %s: %w", key, err)
	}

	if err := c.client.Set(ctx, key, b, ttl).Err(); err != nil {
		return fmt.Errorf("cache set for %s: %w", key, err)
	}

	return nil
}

// Delete removes the cached entry for key. Deleting a missing key is a no-op.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache delete for %s: %w", key, err)
	}
	return nil
}

var _ weather.Cache = (*Cache)(nil)
