package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// addAttempts bounds Add when the winning value expires between SETNX and GET.
const addAttempts = 3

// RedisStore implements Store using Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

type RedisConfig struct {
	Prefix string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient, config RedisConfig) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: config.Prefix,
	}
}

// key builds the final Redis key with prefix.
func (c *RedisStore) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

func (c *RedisStore) GetOrDefault(ctx context.Context, key string, def []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	res, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return def, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	return res, nil
}

// Set stores value with a PX expiry; a zero TTL stores it without expiry.
func (c *RedisStore) Set(ctx context.Context, key string, value []byte, opts EntryOptions) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}

	if err := c.client.Set(ctx, c.key(key), value, opts.TTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Add uses SETNX, then reads back the current value when another writer won.
func (c *RedisStore) Add(ctx context.Context, key string, value []byte, opts EntryOptions) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("context error: %w", err)
	}

	redisKey := c.key(key)

	for attempt := 0; attempt < addAttempts; attempt++ {
		ok, err := c.client.SetNX(ctx, redisKey, value, opts.TTL).Result()
		if err != nil {
			return nil, false, fmt.Errorf("redis setnx failed: %w", err)
		}
		if ok {
			return value, true, nil
		}

		existing, err := c.client.Get(ctx, redisKey).Bytes()
		if errors.Is(err, redis.Nil) {
			// expired or removed between the two calls
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("redis get failed: %w", err)
		}
		return existing, false, nil
	}

	return nil, false, fmt.Errorf("redis add %q: key kept changing after %d attempts", key, addAttempts)
}

func (c *RedisStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CreateEntryOptions truncates ttl to milliseconds, the resolution of PX.
func (c *RedisStore) CreateEntryOptions(ttl time.Duration) EntryOptions {
	return entryOptions(ttl)
}

// Ping checks if Redis connection is healthy.
func (c *RedisStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return c.client.Ping(ctx).Err()
}

var (
	_ Store = (*RedisStore)(nil)
	_ Adder = (*RedisStore)(nil)
)
