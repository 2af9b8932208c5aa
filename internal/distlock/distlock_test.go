package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedsync(t *testing.T, cfg RedsyncConfig) (*RedsyncProvider, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	p, err := NewRedsyncProvider(cfg, client)
	require.NoError(t, err)
	return p, mr
}

func TestRedsyncProvider_AcquireRelease(t *testing.T) {
	p, mr := newTestRedsync(t, RedsyncConfig{Prefix: "lock:"})
	ctx := context.Background()

	l := p.TryAcquire(ctx, "orders:k1", time.Second)
	require.True(t, l.Acquired, "lock error: %v", l.Err)
	assert.True(t, mr.Exists("lock:orders:k1"))

	require.NoError(t, l.Release(ctx))
	assert.False(t, mr.Exists("lock:orders:k1"))

	// idempotent release
	require.NoError(t, l.Release(ctx))
}

func TestRedsyncProvider_ContendedTimesOut(t *testing.T) {
	p, _ := newTestRedsync(t, RedsyncConfig{RetryDelay: 5 * time.Millisecond})
	ctx := context.Background()

	held := p.TryAcquire(ctx, "busy", time.Second)
	require.True(t, held.Acquired)
	defer held.Release(ctx)

	start := time.Now()
	l := p.TryAcquire(ctx, "busy", 50*time.Millisecond)
	assert.False(t, l.Acquired)
	assert.Error(t, l.Err)
	assert.Less(t, time.Since(start), time.Second, "acquisition must be bounded by the timeout")

	// releasing a failed lock is harmless
	assert.NoError(t, l.Release(ctx))
}

func TestRedsyncProvider_ReleaseAfterExpiry(t *testing.T) {
	p, mr := newTestRedsync(t, RedsyncConfig{Expiry: time.Second})
	ctx := context.Background()

	l := p.TryAcquire(ctx, "short", time.Second)
	require.True(t, l.Acquired)

	mr.FastForward(2 * time.Second)

	// the key is gone, so the owner can no longer release it
	assert.Error(t, l.Release(ctx))
}

func TestRedsyncProvider_RequiresClient(t *testing.T) {
	_, err := NewRedsyncProvider(RedsyncConfig{})
	require.Error(t, err)
}

func TestLocalProvider(t *testing.T) {
	p := NewLocalProvider()
	ctx := context.Background()

	first := p.TryAcquire(ctx, "r", time.Second)
	require.True(t, first.Acquired)

	second := p.TryAcquire(ctx, "r", 20*time.Millisecond)
	assert.False(t, second.Acquired)
	assert.ErrorIs(t, second.Err, context.DeadlineExceeded)

	require.NoError(t, first.Release(ctx))

	third := p.TryAcquire(ctx, "r", time.Second)
	require.True(t, third.Acquired)
	require.NoError(t, third.Release(ctx))
}

func TestNonPositiveTimeout(t *testing.T) {
	l := NewLocalProvider().TryAcquire(context.Background(), "r", 0)
	assert.False(t, l.Acquired)
	assert.Error(t, l.Err)
}
