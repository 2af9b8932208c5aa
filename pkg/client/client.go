// Package client is an HTTP client for idempotency-key protected APIs. One
// logical call gets one key, which is reused across every retry so the
// server executes it at most once.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
	newKey     func() string
}

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: defaultTransport(cfg),
			Timeout:   cfg.Timeout,
		}
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.Named("idemclient"),
		newKey:     uuid.NewString,
	}, nil
}

// Request is one logical call. An empty Key is filled with a fresh UUID.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
	Key    string
}

// Do sends req, retrying transient failures under the same key. The key that
// was used is available as resp.Request.Header.Get(HeaderName).
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	if req.Key == "" {
		req.Key = c.newKey()
	}
	url := c.cfg.BaseURL + req.Path
	logger := c.logger.With(zap.String("idempotency_key", req.Key), zap.String("path", req.Path))

	return c.doWithRetry(ctx, logger, func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(req.Body))
		if err != nil {
			return nil, err
		}
		for k, v := range req.Header {
			httpReq.Header[k] = append([]string(nil), v...)
		}
		httpReq.Header.Set(c.cfg.HeaderName, req.Key)
		return c.httpClient.Do(httpReq)
	})
}

// PostJSON marshals in, posts it under key (generated when empty) and
// decodes a 2xx response into out. Non-2xx responses return a *StatusError.
func (c *Client) PostJSON(ctx context.Context, path, key string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   path,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   body,
		Key:    key,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("idemclient: status %d: %s", e.StatusCode, e.Body)
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
