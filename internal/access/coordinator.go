// Package access serializes reads and writes of idempotency cache entries.
//
// Every operation runs under the process-local lock for its key. Writes also
// run under the distributed lock when a provider is configured. Store errors
// are returned unchanged; lock failures surface as *LockNotAcquiredError.
//
// Without a distributed lock, cross-process safety of GetOrSet rests on the
// store: stores implementing cache.Adder get an atomic check-and-set, others
// leave a window in which two processes can both see the key absent.
package access

import (
	"context"
	"time"

	"go.uber.org/zap"

	"idemgate/internal/cache"
	"idemgate/internal/distlock"
	"idemgate/internal/keylock"
	"idemgate/internal/metrics"
)

type Option func(*Coordinator)

// WithDistributedLock makes writes also hold a lock from p.
func WithDistributedLock(p distlock.Provider) Option {
	return func(c *Coordinator) {
		c.dlock = p
	}
}

// WithKeyLocks replaces the process-wide keylock.Default registry.
func WithKeyLocks(r *keylock.Registry) Option {
	return func(c *Coordinator) {
		c.locks = r
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

type Coordinator struct {
	store  cache.Store
	adder  cache.Adder
	dlock  distlock.Provider
	locks  *keylock.Registry
	logger *zap.Logger
}

func New(store cache.Store, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, ErrStoreNotConfigured
	}

	c := &Coordinator{
		store:  store,
		locks:  keylock.Default,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if adder, ok := store.(cache.Adder); ok {
		c.adder = adder
	}
	c.logger = c.logger.Named("access")

	return c, nil
}

// Atomic reports whether GetOrSet is safe across processes.
func (c *Coordinator) Atomic() bool {
	return c.dlock != nil || c.adder != nil
}

// GetOrSet returns the value stored at key, storing def first if key is
// absent. lockTimeout bounds distributed lock acquisition and must be
// positive when a provider is configured.
func (c *Coordinator) GetOrSet(ctx context.Context, key string, def []byte, opts cache.EntryOptions, lockTimeout time.Duration) ([]byte, error) {
	release, err := c.acquire(ctx, key, lockTimeout, true)
	if err != nil {
		return nil, err
	}
	defer release()

	if c.adder != nil {
		stored, _, err := c.adder.Add(ctx, key, def, opts)
		return stored, err
	}

	existing, err := c.store.GetOrDefault(ctx, key, nil)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	if err := c.store.Set(ctx, key, def, opts); err != nil {
		return nil, err
	}
	return def, nil
}

// GetOrDefault reads key under the local lock only.
func (c *Coordinator) GetOrDefault(ctx context.Context, key string, def []byte) ([]byte, error) {
	release, err := c.acquire(ctx, key, 0, false)
	if err != nil {
		return nil, err
	}
	defer release()

	return c.store.GetOrDefault(ctx, key, def)
}

func (c *Coordinator) Set(ctx context.Context, key string, value []byte, opts cache.EntryOptions, lockTimeout time.Duration) error {
	release, err := c.acquire(ctx, key, lockTimeout, true)
	if err != nil {
		return err
	}
	defer release()

	return c.store.Set(ctx, key, value, opts)
}

// Remove deletes key; an absent key is not an error.
func (c *Coordinator) Remove(ctx context.Context, key string, lockTimeout time.Duration) error {
	release, err := c.acquire(ctx, key, lockTimeout, true)
	if err != nil {
		return err
	}
	defer release()

	return c.store.Remove(ctx, key)
}

func (c *Coordinator) CreateEntryOptions(ttl time.Duration) cache.EntryOptions {
	return c.store.CreateEntryOptions(ttl)
}

// acquire takes the local lock and, for writes, the distributed lock. The
// returned func releases both in reverse order.
func (c *Coordinator) acquire(ctx context.Context, key string, lockTimeout time.Duration, write bool) (func(), error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	distributed := write && c.dlock != nil
	if distributed && lockTimeout <= 0 {
		return nil, ErrLockTimeoutRequired
	}

	start := time.Now()
	h, err := c.locks.Acquire(ctx, key)
	metrics.ObserveLockWait(LockLocal, start, err == nil)
	if err != nil {
		c.logger.Warn("local lock not acquired", zap.String("cache_key", key), zap.Error(err))
		return nil, &LockNotAcquiredError{Key: key, Kind: LockLocal, Cause: err}
	}
	if !distributed {
		return h.Release, nil
	}

	start = time.Now()
	l := c.dlock.TryAcquire(ctx, key, lockTimeout)
	metrics.ObserveLockWait(LockDistributed, start, l.Acquired)
	if !l.Acquired {
		h.Release()
		c.logger.Warn("distributed lock not acquired",
			zap.String("cache_key", key),
			zap.Duration("timeout", lockTimeout),
			zap.Error(l.Err),
		)
		return nil, &LockNotAcquiredError{Key: key, Kind: LockDistributed, Cause: l.Err}
	}

	return func() {
		// release even if the caller's context is already cancelled
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("distributed lock release failed", zap.String("cache_key", key), zap.Error(err))
		}
		h.Release()
	}, nil
}
