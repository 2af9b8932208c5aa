package cache

import (
	"context"
	"time"
)

// EntryOptions controls how a value is stored. A zero TTL means the value
// never expires.
type EntryOptions struct {
	TTL time.Duration
}

// Store is a byte-oriented TTL key/value store.
// Implemented by the memory store (dev, tests) and the Redis store (prod).
type Store interface {
	// GetOrDefault returns the stored value, or def when key is absent or expired.
	GetOrDefault(ctx context.Context, key string, def []byte) ([]byte, error)
	// Set overwrites key unconditionally.
	Set(ctx context.Context, key string, value []byte, opts EntryOptions) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// CreateEntryOptions builds the options for a value that should live for ttl.
	CreateEntryOptions(ttl time.Duration) EntryOptions
}

// Adder is implemented by stores with an atomic check-and-set primitive.
// Add stores value only if key is absent and returns whatever is stored
// afterwards, with added reporting whether value won.
type Adder interface {
	Add(ctx context.Context, key string, value []byte, opts EntryOptions) (stored []byte, added bool, err error)
}

// entryOptions normalizes ttl to millisecond precision.
func entryOptions(ttl time.Duration) EntryOptions {
	if ttl <= 0 {
		return EntryOptions{}
	}
	ttl = ttl.Truncate(time.Millisecond)
	if ttl == 0 {
		ttl = time.Millisecond
	}
	return EntryOptions{TTL: ttl}
}
