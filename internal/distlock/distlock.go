// Package distlock provides mutual exclusion across processes.
//
// A Provider hands out scoped Lock values. A Lock that was not acquired
// carries the reason in Err; Release is always safe to call, so callers can
// defer it unconditionally.
package distlock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockExpired is returned by Release when the lock was lost (its expiry
// elapsed) before it was released.
var ErrLockExpired = errors.New("distlock: lock expired before release")

// Provider acquires locks on named resources.
type Provider interface {
	// TryAcquire waits at most timeout for resource. It never returns nil.
	TryAcquire(ctx context.Context, resource string, timeout time.Duration) *Lock
}

// Lock is the result of one acquisition attempt.
type Lock struct {
	Resource string
	Acquired bool
	Err      error // why the lock was not acquired, if known

	release    func(ctx context.Context) error
	once       sync.Once
	releaseErr error
}

// Held returns an acquired lock on resource that runs release once.
// Provider implementations outside this package build their locks with it.
func Held(resource string, release func(ctx context.Context) error) *Lock {
	return &Lock{Resource: resource, Acquired: true, release: release}
}

// Failed returns a lock that was not acquired because of err.
func Failed(resource string, err error) *Lock {
	return &Lock{Resource: resource, Err: err}
}

// Release frees the lock. It is a no-op for locks that were never acquired
// and returns the first result on repeated calls.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || !l.Acquired || l.release == nil {
		return nil
	}
	l.once.Do(func() {
		l.releaseErr = l.release(ctx)
	})
	return l.releaseErr
}
