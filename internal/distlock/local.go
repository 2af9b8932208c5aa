package distlock

import (
	"context"
	"fmt"
	"time"

	"idemgate/internal/keylock"
)

// LocalProvider implements Provider inside one process. It gives the
// coordinator the same locking discipline as a real distributed lock for
// single-instance deployments and tests.
type LocalProvider struct {
	registry *keylock.Registry
}

func NewLocalProvider() *LocalProvider {
	return &LocalProvider{registry: keylock.New(keylock.DefaultShards)}
}

func (p *LocalProvider) TryAcquire(ctx context.Context, resource string, timeout time.Duration) *Lock {
	if timeout <= 0 {
		return Failed(resource, fmt.Errorf("distlock: non-positive timeout %v", timeout))
	}

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h, err := p.registry.Acquire(lockCtx, resource)
	if err != nil {
		return Failed(resource, err)
	}

	return Held(resource, func(context.Context) error {
		h.Release()
		return nil
	})
}

var _ Provider = (*LocalProvider)(nil)
