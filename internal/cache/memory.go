package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is an in-process Store. Values are not shared between
// processes, so it is only safe for single-instance deployments.
type MemoryStore struct {
	mu              sync.RWMutex
	items           map[string]memoryEntry
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
	cleanupInterval time.Duration
}

// NewMemoryStore creates an in-memory store that sweeps expired values every
// cleanupInterval (5 minutes when <= 0).
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	c := &MemoryStore{
		items:           make(map[string]memoryEntry),
		stopCleanup:     make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}

	go c.cleanupExpired()

	return c
}

func (c *MemoryStore) GetOrDefault(_ context.Context, key string, def []byte) ([]byte, error) {
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return def, nil
	}

	now := time.Now()
	if entry.expired(now) {
		c.mu.Lock()
		if e, exists := c.items[key]; exists && e.expired(now) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return def, nil
	}

	return entry.value, nil
}

func (c *MemoryStore) Set(_ context.Context, key string, value []byte, opts EntryOptions) error {
	c.mu.Lock()
	c.items[key] = newMemoryEntry(value, opts)
	c.mu.Unlock()
	return nil
}

// Add stores value only if key is absent or expired.
func (c *MemoryStore) Add(_ context.Context, key string, value []byte, opts EntryOptions) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok && !e.expired(time.Now()) {
		return e.value, false, nil
	}

	entry := newMemoryEntry(value, opts)
	c.items[key] = entry
	return entry.value, true, nil
}

func (c *MemoryStore) Remove(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

func (c *MemoryStore) CreateEntryOptions(ttl time.Duration) EntryOptions {
	return entryOptions(ttl)
}

func newMemoryEntry(value []byte, opts EntryOptions) memoryEntry {
	// Copy to decouple from caller's buffer
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	e := memoryEntry{value: valueCopy}
	if opts.TTL > 0 {
		e.expiresAt = time.Now().Add(opts.TTL)
	}
	return e
}

// cleanupExpired runs periodically to remove expired entries.
func (c *MemoryStore) cleanupExpired() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, v := range c.items {
				if v.expired(now) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		case <-c.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup goroutine. Call this on shutdown or in tests.
func (c *MemoryStore) Close() error {
	c.cleanupOnce.Do(func() {
		close(c.stopCleanup)
	})
	return nil
}

// Len returns the number of items currently in the store, expired or not.
func (c *MemoryStore) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Adder = (*MemoryStore)(nil)
)
