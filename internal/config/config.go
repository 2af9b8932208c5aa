// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"idemgate/internal/cache"
	"idemgate/internal/idempotency"
)

type Config struct {
	App         AppConfig
	Cache       CacheConfig
	Lock        LockConfig
	HTTP        HTTPConfig
	Idempotency idempotency.Config
}

type AppConfig struct {
	Env      string
	Port     string
	LogLevel string
}

type CacheConfig struct {
	Backend  string // cache.BackendMemory or cache.BackendRedis
	RedisURL string
}

type LockConfig struct {
	Distributed bool // only honoured with the redis backend
	Expiry      time.Duration
}

type HTTPConfig struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

// Load reads .env from the working directory if present, then the
// environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	// a missing .env is normal outside development
	_ = v.ReadInConfig()
	return FromViper(v)
}

// FromViper applies defaults to v and builds a Config from it.
func FromViper(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Env:      v.GetString("APP_ENV"),
			Port:     v.GetString("APP_PORT"),
			LogLevel: v.GetString("LOG_LEVEL"),
		},
		Cache: CacheConfig{
			Backend:  strings.ToLower(v.GetString("CACHE_BACKEND")),
			RedisURL: v.GetString("REDIS_URL"),
		},
		Lock: LockConfig{
			Distributed: v.GetBool("DISTRIBUTED_LOCK"),
			Expiry:      millis(v.GetInt64("DISTRIBUTED_LOCK_EXPIRY_MS")),
		},
		HTTP: HTTPConfig{
			RequestTimeout: millis(v.GetInt64("REQUEST_TIMEOUT_MS")),
			MaxBodyBytes:   v.GetInt64("MAX_BODY_BYTES"),
		},
		Idempotency: idempotency.Config{
			HeaderName:       v.GetString("IDEMPOTENCY_HEADER"),
			KeyPrefix:        v.GetString("IDEMPOTENCY_KEY_PREFIX"),
			TTL:              millis(v.GetInt64("IDEMPOTENCY_TTL_MS")),
			LockTimeout:      millis(v.GetInt64("IDEMPOTENCY_LOCK_TIMEOUT_MS")),
			CacheOnlySuccess: v.GetBool("IDEMPOTENCY_CACHE_ONLY_SUCCESS"),
			Optional:         v.GetBool("IDEMPOTENCY_OPTIONAL"),
			Methods:          splitList(v.GetString("IDEMPOTENCY_METHODS")),
			MaxBodyBytes:     v.GetInt64("MAX_BODY_BYTES"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := idempotency.DefaultConfig()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "")
	v.SetDefault("CACHE_BACKEND", cache.BackendMemory)
	v.SetDefault("REDIS_URL", "redis://127.0.0.1:6379/0")
	v.SetDefault("DISTRIBUTED_LOCK", false)
	v.SetDefault("DISTRIBUTED_LOCK_EXPIRY_MS", 30000)
	v.SetDefault("REQUEST_TIMEOUT_MS", 15000)
	v.SetDefault("MAX_BODY_BYTES", 1<<20)
	v.SetDefault("IDEMPOTENCY_HEADER", def.HeaderName)
	v.SetDefault("IDEMPOTENCY_KEY_PREFIX", def.KeyPrefix)
	v.SetDefault("IDEMPOTENCY_TTL_MS", def.TTL.Milliseconds())
	v.SetDefault("IDEMPOTENCY_LOCK_TIMEOUT_MS", def.LockTimeout.Milliseconds())
	v.SetDefault("IDEMPOTENCY_CACHE_ONLY_SUCCESS", def.CacheOnlySuccess)
	v.SetDefault("IDEMPOTENCY_OPTIONAL", false)
	v.SetDefault("IDEMPOTENCY_METHODS", strings.Join(def.Methods, ","))
}

func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case cache.BackendMemory:
	case cache.BackendRedis:
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the %s backend", cache.BackendRedis)
		}
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q", c.Cache.Backend)
	}

	if c.Lock.Distributed && c.Cache.Backend != cache.BackendRedis {
		return fmt.Errorf("DISTRIBUTED_LOCK requires CACHE_BACKEND=%s", cache.BackendRedis)
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive")
	}

	idem := c.Idempotency.WithDefaults()
	if err := idem.Validate(); err != nil {
		return fmt.Errorf("idempotency: %w", err)
	}
	return nil
}

func millis(n int64) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}
