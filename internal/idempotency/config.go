package idempotency

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"idemgate/internal/fingerprint"
)

// ReplayHeader is set to "true" on every response replayed from the cache.
const ReplayHeader = "Idempotency-Replayed"

// Config controls an Engine. Zero values are filled in by WithDefaults.
//
// KeyPrefix cannot be empty: an empty value is replaced by the default
// namespace so idempotency entries never share keys with other cache users.
type Config struct {
	HeaderName string // default: Idempotency-Key
	KeyPrefix  string // cache key namespace, default: idemgate:

	TTL         time.Duration // lifetime of InFlight and Completed entries (default: 24h)
	LockTimeout time.Duration // distributed lock wait per store call (default: 2s)

	// CacheOnlySuccess drops non-2xx outcomes instead of recording them.
	CacheOnlySuccess bool
	// Optional lets requests without a key header through untracked.
	Optional bool

	Methods         []string // tracked methods (default: POST, PATCH)
	ExcludedHeaders []string // response headers never recorded
	MaxBodyBytes    int64    // fingerprint buffering limit
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		HeaderName:       "Idempotency-Key",
		KeyPrefix:        "idemgate:",
		TTL:              24 * time.Hour,
		LockTimeout:      2 * time.Second,
		CacheOnlySuccess: true,
		Methods:          []string{http.MethodPost, http.MethodPatch},
		ExcludedHeaders: []string{
			"Connection",
			"Content-Length",
			"Date",
			"Keep-Alive",
			"Trailer",
			"Transfer-Encoding",
			"Upgrade",
			ReplayHeader,
		},
		MaxBodyBytes: fingerprint.DefaultMaxBodyBytes,
	}
}

// WithDefaults returns a copy of Config with unset fields taken from
// DefaultConfig. Boolean flags are kept as given.
func (c *Config) WithDefaults() Config {
	cfg := *c
	def := DefaultConfig()

	cfg.HeaderName = strings.TrimSpace(cfg.HeaderName)
	if cfg.HeaderName == "" {
		cfg.HeaderName = def.HeaderName
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.TTL < 0 {
		cfg.TTL = 0
	} else if cfg.TTL == 0 {
		cfg.TTL = def.TTL
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = def.Methods
	}
	if cfg.ExcludedHeaders == nil {
		cfg.ExcludedHeaders = def.ExcludedHeaders
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}

	return cfg
}

func (c *Config) Validate() error {
	if c.HeaderName == "" {
		return errors.New("HeaderName is required")
	}
	if strings.ContainsAny(c.HeaderName, " \t\r\n:") {
		return errors.New("HeaderName is not a valid header name")
	}
	if c.LockTimeout <= 0 {
		return errors.New("LockTimeout must be positive")
	}
	if len(c.Methods) == 0 {
		return errors.New("at least one tracked method is required")
	}
	return nil
}
