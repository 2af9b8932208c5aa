package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ReplayedHeader is set by the server on responses replayed for a key.
const ReplayedHeader = "Idempotency-Replayed"

// Replayed reports whether resp was served from the server's record of an
// earlier attempt rather than by a fresh execution.
func Replayed(resp *http.Response) bool {
	return resp != nil && strings.EqualFold(resp.Header.Get(ReplayedHeader), "true")
}

// retryReason says why an attempt is retried; empty means it is final.
type retryReason string

const (
	final       retryReason = ""
	netFailure  retryReason = "network"
	keyInFlight retryReason = "in_flight"
	throttled   retryReason = "throttled"
	serverError retryReason = "server_error"
)

// classify decides whether an attempt's result is final. Every retry reuses
// the call's key, so retrying a request the server already ran is safe: it
// answers with the recorded response.
func classify(resp *http.Response, err error) retryReason {
	if err != nil {
		if isTransientNetError(err) {
			return netFailure
		}
		return final
	}

	switch status := resp.StatusCode; {
	case status == http.StatusConflict:
		// the first attempt under this key is still running
		return keyInFlight
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return throttled
	case status >= 500 && status <= 599:
		return serverError
	default:
		return final
	}
}

// doWithRetry runs do until it returns a final result, the call has made
// MaxRetries+1 attempts, or ctx is done.
func (c *Client) doWithRetry(
	ctx context.Context,
	logger *zap.Logger,
	do func(ctx context.Context) (*http.Response, error),
) (*http.Response, error) {
	maxAttempts := c.cfg.MaxRetries + 1
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := do(ctx)
		if err != nil && ctx.Err() != nil {
			// our own cancellation, not the server's
			return nil, err
		}

		reason := classify(resp, err)
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		logger.Debug("idempotent request attempt",
			zap.Int("attempt", attempt+1),
			zap.Int("status", status),
			zap.String("retry_reason", string(reason)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)

		if reason == final {
			if err != nil {
				return nil, err
			}
			if attempt > 0 && Replayed(resp) {
				logger.Info("earlier attempt completed on the server; using its response",
					zap.Int("attempts", attempt+1))
			}
			return resp, nil
		}

		wait := c.retryDelay(reason, resp, attempt)
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("status %d", status)
			// close before retrying so the connection can be reused
			resp.Body.Close()
		}

		if attempt == maxAttempts-1 {
			break
		}

		logger.Info("retrying under the same idempotency key",
			zap.String("reason", string(reason)),
			zap.Duration("wait", wait),
			zap.Int("next_attempt", attempt+2),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	logger.Warn("idempotent request exhausted all retries",
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr),
	)
	return nil, fmt.Errorf("idemclient: max retries (%d) exceeded: %w", maxAttempts, lastErr)
}

// retryDelay prefers the server's Retry-After. A key still in flight waits
// at least half the exponential step, since retrying immediately can only
// meet the same conflict; other reasons use full jitter.
func (c *Client) retryDelay(reason retryReason, resp *http.Response, attempt int) time.Duration {
	if d := parseRetryAfter(resp); d > 0 {
		return d
	}
	if reason == keyInFlight {
		step := computeBackoff(c.cfg.BaseBackoff, attempt)
		ceiling := exponentialStep(c.cfg.BaseBackoff, attempt)
		return ceiling/2 + step/2
	}
	return computeBackoff(c.cfg.BaseBackoff, attempt)
}

func isTransientNetError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && (opErr.Op == "dial" || opErr.Op == "read" || opErr.Op == "write") {
		return true
	}

	// wrapped errors sometimes only survive as text
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "broken pipe", "eof"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// parseRetryAfter reads Retry-After as seconds or an HTTP date, capped at
// 5 minutes. Returns 0 if the header is missing or invalid.
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}

	const maxRetryAfter = 5 * time.Minute

	if seconds, err := strconv.Atoi(v); err == nil {
		if seconds <= 0 {
			return 0
		}
		return min(time.Duration(seconds)*time.Second, maxRetryAfter)
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return min(d, maxRetryAfter)
		}
	}
	return 0
}

// exponentialStep is base*2^attempt, capped at 60s.
func exponentialStep(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	attempt = min(attempt, 10)

	step := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	return min(step, 60*time.Second)
}

// computeBackoff returns a random duration in [0, exponentialStep).
func computeBackoff(base time.Duration, attempt int) time.Duration {
	return time.Duration(rand.Float64() * float64(exponentialStep(base, attempt)))
}
