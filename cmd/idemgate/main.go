package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"idemgate/internal/access"
	"idemgate/internal/cache"
	"idemgate/internal/config"
	"idemgate/internal/distlock"
	"idemgate/internal/entry"
	"idemgate/internal/handlers"
	"idemgate/internal/httpserver"
	"idemgate/internal/idempotency"
	"idemgate/internal/metrics"
	"idemgate/pkg/logging/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("idemgate exited with error: %v", err)
	}
}

func run() error {
	// ----- Config -----
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ----- Logger -----
	logger, err := logging.NewLogger(logging.Options{Env: cfg.App.Env, Level: cfg.App.LogLevel})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	logger.Info("loaded config",
		zap.String("port", cfg.App.Port),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Bool("distributed_lock", cfg.Lock.Distributed),
		zap.String("idempotency_header", cfg.Idempotency.HeaderName),
		zap.Duration("idempotency_ttl", cfg.Idempotency.TTL),
		zap.Bool("cache_only_success", cfg.Idempotency.CacheOnlySuccess),
		zap.Bool("optional", cfg.Idempotency.Optional),
	)

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.Cache.Backend == cache.BackendRedis {
		opts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		// Fail fast if Redis is misconfigured
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established", zap.String("addr", opts.Addr))
	}

	// ----- Cache store -----
	var store cache.Store
	// a nil *redis.Client must not reach NewStore as a non-nil interface
	if redisClient != nil {
		store, err = cache.NewStore(cache.Config{Backend: cfg.Cache.Backend}, redisClient)
	} else {
		store, err = cache.NewStore(cache.Config{Backend: cfg.Cache.Backend}, nil)
	}
	if err != nil {
		return err
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	// ----- Access coordinator -----
	coordOpts := []access.Option{access.WithLogger(logger)}
	if cfg.Lock.Distributed {
		provider, err := distlock.NewRedsyncProvider(distlock.RedsyncConfig{Expiry: cfg.Lock.Expiry}, redisClient)
		if err != nil {
			return err
		}
		coordOpts = append(coordOpts, access.WithDistributedLock(provider))
	}
	coord, err := access.New(store, coordOpts...)
	if err != nil {
		return err
	}

	// ----- Idempotency engine -----
	codec, err := entry.NewJSONCodec(0)
	if err != nil {
		return err
	}
	defer codec.Close()

	engine, err := idempotency.New(cfg.Idempotency, coord, codec, logger)
	if err != nil {
		return err
	}

	// ----- Router + middleware -----
	orders := handlers.NewOrdersHandler()
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, engine, orders, httpserver.Options{
		RequestTimeout: cfg.HTTP.RequestTimeout,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
	})

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting idemgate", zap.String("addr", srv.Addr))

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}
