package cache

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"idemgate/internal/metrics"
	"idemgate/pkg/logging/logging"
)

// LoggingStore wraps a Store with logging + metrics.
type LoggingStore struct {
	inner Store
}

// loggingAdderStore keeps the Adder capability of the wrapped store visible.
type loggingAdderStore struct {
	*LoggingStore
	adder Adder
}

// NewLoggingStore returns a store that logs and records metrics. The result
// implements Adder exactly when inner does.
func NewLoggingStore(inner Store) Store {
	ls := &LoggingStore{inner: inner}
	if adder, ok := inner.(Adder); ok {
		return &loggingAdderStore{LoggingStore: ls, adder: adder}
	}
	return ls
}

func (c *LoggingStore) GetOrDefault(ctx context.Context, key string, def []byte) ([]byte, error) {
	start := time.Now()
	value, err := c.inner.GetOrDefault(ctx, key, def)

	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case !sameSlice(value, def):
		result = "hit"
	}
	c.record(ctx, "get", key, result, start, err)

	return value, err
}

func (c *LoggingStore) Set(ctx context.Context, key string, value []byte, opts EntryOptions) error {
	start := time.Now()
	err := c.inner.Set(ctx, key, value, opts)
	c.record(ctx, "set", key, resultOf(err), start, err, zap.Duration("ttl", opts.TTL))
	return err
}

func (c *LoggingStore) Remove(ctx context.Context, key string) error {
	start := time.Now()
	err := c.inner.Remove(ctx, key)
	c.record(ctx, "remove", key, resultOf(err), start, err)
	return err
}

func (c *LoggingStore) CreateEntryOptions(ttl time.Duration) EntryOptions {
	return c.inner.CreateEntryOptions(ttl)
}

// Close closes the wrapped store if it has a Close method.
func (c *LoggingStore) Close() error {
	if closer, ok := c.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (c *loggingAdderStore) Add(ctx context.Context, key string, value []byte, opts EntryOptions) ([]byte, bool, error) {
	start := time.Now()
	stored, added, err := c.adder.Add(ctx, key, value, opts)

	result := "exists"
	if err != nil {
		result = "error"
	} else if added {
		result = "added"
	}
	c.record(ctx, "add", key, result, start, err, zap.Duration("ttl", opts.TTL))

	return stored, added, err
}

func (c *LoggingStore) record(ctx context.Context, op, key, result string, start time.Time, err error, extra ...zap.Field) {
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0
	metrics.StoreOpsTotal.WithLabelValues(op, result).Inc()

	fields := append([]zap.Field{
		zap.String("cache_key", key),
		zap.String("cache_result", result),
		zap.Float64("latency_ms", latencyMs),
	}, extra...)

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("cache_store_"+op, append(fields, zap.Error(err))...)
		return
	}
	logger.Debug("cache_store_"+op, fields...)
}

// sameSlice reports whether a and b share the same backing array window,
// i.e. whether the store handed the default straight back.
func sameSlice(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
