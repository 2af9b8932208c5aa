package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"idemgate/internal/fingerprint"
	"idemgate/internal/idempotency"
	"idemgate/pkg/logging/logging"
)

// Idempotency runs tracked requests through engine. Claimed requests reach
// next with their response captured for PostHook; replays, conflicts and
// rejections are answered here without calling next.
//
// A panic in next releases the claim and is re-raised for Recoverer.
func Idempotency(engine *idempotency.Engine) func(http.Handler) http.Handler {
	header := engine.Config().HeaderName

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			attempt, err := engine.Prepare(r)
			if err != nil {
				writePrepareError(ctx, w, err)
				return
			}

			res, err := attempt.PreHook(ctx)
			if err != nil {
				logging.L(ctx).Error("idempotency pre-hook failed", zap.Error(err))
				writeJSONError(w, http.StatusInternalServerError, "internal_server_error")
				return
			}

			if res.State == idempotency.ReturnedFromCache {
				idempotency.WriteReplay(w, res.Completed)
				return
			}
			if p, ok := res.Problem(header); ok {
				idempotency.WriteProblem(w, p)
				return
			}
			if res.State != idempotency.Claimed {
				next.ServeHTTP(w, r)
				return
			}

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			var body bytes.Buffer
			ww.Tee(&body)

			// the store calls below must outlive a client that hung up
			bg := context.WithoutCancel(ctx)

			defer func() {
				if rec := recover(); rec != nil {
					if err := attempt.Cancel(bg); err != nil {
						logging.L(ctx).Error("idempotency cancel failed", zap.Error(err))
					}
					panic(rec)
				}
			}()

			next.ServeHTTP(ww, r)

			out := idempotency.Outcome{
				StatusCode: ww.Status(),
				Header:     ww.Header().Clone(),
				Body:       body.Bytes(),
			}
			if ww.Status() == 0 && ctx.Err() != nil {
				// nothing was sent; the request died with its context
				out.Err = ctx.Err()
			}
			if err := attempt.PostHook(bg, out); err != nil {
				logging.L(ctx).Error("idempotency post-hook failed", zap.Error(err))
			}
		})
	}
}

func writePrepareError(ctx context.Context, w http.ResponseWriter, err error) {
	var maxBytes *http.MaxBytesError
	if errors.Is(err, fingerprint.ErrBodyTooLarge) || errors.As(err, &maxBytes) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request_too_large")
		return
	}
	logging.L(ctx).Warn("request body unreadable", zap.Error(err))
	writeJSONError(w, http.StatusBadRequest, "invalid_request_body")
}
