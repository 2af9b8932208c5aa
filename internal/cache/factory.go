package cache

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Backend         string
	Prefix          string        // redis only
	CleanupInterval time.Duration // memory only
}

// NewStore builds the configured backend wrapped with logging + metrics.
// The redis backend needs a non-nil client.
func NewStore(cfg Config, redisClient redis.UniversalClient) (Store, error) {
	switch cfg.Backend {
	case BackendRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("cache backend %q requires a redis client", cfg.Backend)
		}
		return NewLoggingStore(NewRedisStore(redisClient, RedisConfig{
			Prefix: cfg.Prefix,
		})), nil
	case BackendMemory, "":
		return NewLoggingStore(NewMemoryStore(cfg.CleanupInterval)), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
