// Package keylock serializes in-process work on the same string key.
//
// A Registry hands out one lock per key. Lock objects are reference counted
// and dropped from the registry once the last holder or waiter is gone, so
// the registry only ever holds keys that are in use. Keys are spread over a
// fixed number of shards so unrelated keys never contend on a registry mutex.
package keylock

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the shard count used by New when n <= 0.
const DefaultShards = 64

// Default is the process-wide registry.
var Default = New(DefaultShards)

type keyLock struct {
	sem  chan struct{}
	refs int
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// Registry is a sharded map of reference-counted per-key locks.
type Registry struct {
	shards []*shard
}

// New creates a registry with n shards.
func New(n int) *Registry {
	if n <= 0 {
		n = DefaultShards
	}
	r := &Registry{shards: make([]*shard, n)}
	for i := range r.shards {
		r.shards[i] = &shard{locks: make(map[string]*keyLock)}
	}
	return r
}

func (r *Registry) shardFor(key string) *shard {
	return r.shards[xxhash.Sum64String(key)%uint64(len(r.shards))]
}

// Acquire blocks until the caller owns key or ctx is done. The returned
// handle must be released exactly once; extra Release calls are ignored.
func (r *Registry) Acquire(ctx context.Context, key string) (*Handle, error) {
	s := r.shardFor(key)

	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return &Handle{registry: r, shard: s, key: key, lock: l}, nil
	case <-ctx.Done():
		r.unref(s, key, l)
		return nil, ctx.Err()
	}
}

// Len reports how many keys currently have a holder or waiter.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}

func (r *Registry) unref(s *shard, key string, l *keyLock) {
	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
	s.mu.Unlock()
}

// Handle is exclusive ownership of one key.
type Handle struct {
	registry *Registry
	shard    *shard
	key      string
	lock     *keyLock
	once     sync.Once
}

// Key returns the key this handle owns.
func (h *Handle) Key() string {
	return h.key
}

// Release gives up ownership and drops the key from the registry when no one
// else is holding or waiting for it.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		<-h.lock.sem
		h.registry.unref(h.shard, h.key, h.lock)
	})
}
