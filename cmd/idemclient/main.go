// Command idemclient sends one order N times concurrently under a single
// idempotency key and prints what each copy got back.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"idemgate/pkg/client"
	"idemgate/pkg/logging/logging"
)

func main() {
	var (
		baseURL = flag.String("url", "http://localhost:8080", "idemgate base URL")
		key     = flag.String("key", "", "idempotency key (random when empty)")
		message = flag.String("message", "hello", "order message")
		copies  = flag.Int("n", 3, "concurrent copies to send")
		retries = flag.Int("retries", 3, "retries per copy")
	)
	flag.Parse()

	if err := run(*baseURL, *key, *message, *copies, *retries); err != nil {
		log.Fatalf("idemclient: %v", err)
	}
}

func run(baseURL, key, message string, copies, retries int) error {
	logger := logging.DefaultLogger()
	defer logger.Sync()

	c, err := client.New(client.Config{BaseURL: baseURL, MaxRetries: retries}, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	if key == "" {
		key = uuid.NewString()
	}
	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	results := make([]string, copies)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < copies; i++ {
		i := i // per-iteration copy; go.mod targets go1.21 loop semantics
		g.Go(func() error {
			resp, err := c.Do(ctx, client.Request{
				Method: http.MethodPost,
				Path:   "/v1/orders",
				Header: http.Header{"Content-Type": {"application/json"}},
				Body:   body,
				Key:    key,
			})
			if err != nil {
				return fmt.Errorf("copy %d: %w", i+1, err)
			}
			defer resp.Body.Close()

			b, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("copy %d: read body: %w", i+1, err)
			}
			results[i] = fmt.Sprintf("copy %d: %d replayed=%t %s",
				i+1, resp.StatusCode, client.Replayed(resp), bytes.TrimSpace(b))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "idempotency key %s\n", key)
	for _, r := range results {
		fmt.Fprintln(os.Stdout, r)
	}
	return nil
}
