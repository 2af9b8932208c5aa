package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"idemgate/internal/handlers"
	"idemgate/internal/idempotency"
	"idemgate/internal/metrics"
	"idemgate/internal/middleware"
)

type Options struct {
	RequestTimeout time.Duration // default: 15s
	MaxBodyBytes   int64         // default: 1 MiB
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, engine *idempotency.Engine, orders *handlers.OrdersHandler, opts Options) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger, engine.Config().HeaderName))
	r.Use(middleware.Recoverer())
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(middleware.MaxBodySize(opts.MaxBodyBytes))

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Idempotency(engine))

		r.Post("/orders", orders.Create)
		r.Patch("/orders/{id}", orders.Update)
		r.Get("/orders/{id}", orders.Get)
	})

	// health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
