// Package ginmw adapts the idempotency engine to gin.
package ginmw

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"idemgate/internal/fingerprint"
	"idemgate/internal/idempotency"
	"idemgate/pkg/logging/logging"
)

// bodyWriter tees everything the handler writes into body.
type bodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w bodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency is the gin counterpart of middleware.Idempotency. Errors added
// to the context with c.Error count as handler failures and release the key.
func Idempotency(engine *idempotency.Engine) gin.HandlerFunc {
	header := engine.Config().HeaderName

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		logger := logging.L(ctx)

		attempt, err := engine.Prepare(c.Request)
		if err != nil {
			var maxBytes *http.MaxBytesError
			if errors.Is(err, fingerprint.ErrBodyTooLarge) || errors.As(err, &maxBytes) {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request_too_large"})
				return
			}
			logger.Warn("request body unreadable", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body"})
			return
		}

		res, err := attempt.PreHook(ctx)
		if err != nil {
			logger.Error("idempotency pre-hook failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
			return
		}

		if res.State == idempotency.ReturnedFromCache {
			idempotency.WriteReplay(c.Writer, res.Completed)
			c.Abort()
			return
		}
		if p, ok := res.Problem(header); ok {
			c.AbortWithStatusJSON(p.Status, p)
			return
		}
		if res.State != idempotency.Claimed {
			c.Next()
			return
		}

		bw := bodyWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = bw
		bg := context.WithoutCancel(ctx)

		defer func() {
			if rec := recover(); rec != nil {
				if err := attempt.Cancel(bg); err != nil {
					logger.Error("idempotency cancel failed", zap.Error(err))
				}
				panic(rec)
			}
		}()

		c.Next()

		out := idempotency.Outcome{
			StatusCode: bw.Status(),
			Header:     bw.Header().Clone(),
			Body:       bw.body.Bytes(),
		}
		if len(c.Errors) > 0 {
			out.Err = c.Errors.Last()
		}
		if err := attempt.PostHook(bg, out); err != nil {
			logger.Error("idempotency post-hook failed", zap.Error(err))
		}
	}
}
