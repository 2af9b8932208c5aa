package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type keyRecorder struct {
	mu     sync.Mutex
	keys   []string
	bodies []string
}

func (k *keyRecorder) record(r *http.Request) int {
	body, _ := io.ReadAll(r.Body)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys = append(k.keys, r.Header.Get("Idempotency-Key"))
	k.bodies = append(k.bodies, string(body))
	return len(k.keys)
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:     url + "/",
		MaxRetries:  3,
		BaseBackoff: time.Millisecond,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, nil); err == nil {
		t.Fatalf("expected validation error, got nil")
	}
}

func TestKeyReusedAcrossRetries(t *testing.T) {
	t.Parallel()

	var rec keyRecorder
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/orders" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		switch rec.record(r) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			// first attempt still running on another instance
			w.WriteHeader(http.StatusConflict)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":7}`))
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	var out struct{ ID int }
	if err := c.PostJSON(context.Background(), "/v1/orders", "", map[string]string{"message": "x"}, &out); err != nil {
		t.Fatalf("post: %v", err)
	}
	if out.ID != 7 {
		t.Fatalf("expected id 7, got %d", out.ID)
	}

	if len(rec.keys) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(rec.keys))
	}
	if rec.keys[0] == "" {
		t.Fatalf("expected a generated key")
	}
	for i, k := range rec.keys {
		if k != rec.keys[0] {
			t.Fatalf("attempt %d used key %q, want %q", i+1, k, rec.keys[0])
		}
		if rec.bodies[i] != `{"message":"x"}` {
			t.Fatalf("attempt %d sent body %q", i+1, rec.bodies[i])
		}
	}
}

func TestExplicitKeyAndFreshKeysPerCall(t *testing.T) {
	t.Parallel()

	var rec keyRecorder
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	resp, err := c.Do(ctx, Request{Method: http.MethodPost, Path: "/v1/orders", Key: "client-key"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if got := resp.Request.Header.Get("Idempotency-Key"); got != "client-key" {
		t.Fatalf("expected client-key on the request, got %q", got)
	}

	for i := 0; i < 2; i++ {
		resp, err := c.Do(ctx, Request{Method: http.MethodPost, Path: "/v1/orders"})
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		resp.Body.Close()
	}

	if rec.keys[0] != "client-key" {
		t.Fatalf("expected explicit key, got %q", rec.keys[0])
	}
	if rec.keys[1] == rec.keys[2] {
		t.Fatalf("separate calls must not share a key")
	}
}

func TestClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	var rec keyRecorder
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"idempotency_key_reused"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.PostJSON(context.Background(), "/v1/orders", "k", map[string]string{}, nil)

	se, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("expected *StatusError, got %T (%v)", err, err)
	}
	if se.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", se.StatusCode)
	}
	if len(rec.keys) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(rec.keys))
	}
}

func TestRetriesExhausted(t *testing.T) {
	t.Parallel()

	var rec keyRecorder
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/v1/orders"})
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if len(rec.keys) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(rec.keys))
	}
}

func TestContextCancelStopsRetries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Do(ctx, Request{Method: http.MethodPost, Path: "/v1/orders"})
	if err == nil {
		t.Fatalf("expected context error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("retry wait ignored the context")
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	cases := map[string]time.Duration{
		"":      0,
		"2":     2 * time.Second,
		"-1":    0,
		"junk":  0,
		"86400": 5 * time.Minute,
	}
	for header, want := range cases {
		resp := &http.Response{Header: http.Header{}}
		if header != "" {
			resp.Header.Set("Retry-After", header)
		}
		if got := parseRetryAfter(resp); got != want {
			t.Fatalf("Retry-After %q: got %v, want %v", header, got, want)
		}
	}
}

func TestComputeBackoffBounds(t *testing.T) {
	t.Parallel()

	for attempt := 0; attempt < 15; attempt++ {
		d := computeBackoff(100*time.Millisecond, attempt)
		if d < 0 || d > 60*time.Second {
			t.Fatalf("attempt %d: backoff %v out of range", attempt, d)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   retryReason
	}{
		{http.StatusCreated, final},
		{http.StatusBadRequest, final},
		{http.StatusUnprocessableEntity, final},
		{http.StatusConflict, keyInFlight},
		{http.StatusRequestTimeout, throttled},
		{http.StatusTooManyRequests, throttled},
		{http.StatusServiceUnavailable, serverError},
	}
	for _, tc := range cases {
		if got := classify(&http.Response{StatusCode: tc.status}, nil); got != tc.want {
			t.Fatalf("status %d: got %q, want %q", tc.status, got, tc.want)
		}
	}

	if got := classify(nil, errors.New("dial tcp: connection refused")); got != netFailure {
		t.Fatalf("connection refused: got %q, want %q", got, netFailure)
	}
	if got := classify(nil, errors.New("unsupported protocol scheme")); got != final {
		t.Fatalf("permanent error: got %q, want final", got)
	}
}

func TestInFlightDelayHasFloor(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "http://example.invalid")
	c.cfg.BaseBackoff = 100 * time.Millisecond

	for attempt := 0; attempt < 5; attempt++ {
		step := exponentialStep(c.cfg.BaseBackoff, attempt)
		d := c.retryDelay(keyInFlight, &http.Response{Header: http.Header{}}, attempt)
		if d < step/2 || d > step {
			t.Fatalf("attempt %d: in-flight delay %v outside [%v, %v]", attempt, d, step/2, step)
		}
	}

	resp := &http.Response{Header: http.Header{"Retry-After": {"3"}}}
	if d := c.retryDelay(keyInFlight, resp, 0); d != 3*time.Second {
		t.Fatalf("Retry-After must win, got %v", d)
	}
}

func TestReplayed(t *testing.T) {
	t.Parallel()

	if Replayed(nil) {
		t.Fatalf("nil response is not a replay")
	}
	resp := &http.Response{Header: http.Header{}}
	if Replayed(resp) {
		t.Fatalf("missing header is not a replay")
	}
	resp.Header.Set(ReplayedHeader, "true")
	if !Replayed(resp) {
		t.Fatalf("expected replay")
	}
}
