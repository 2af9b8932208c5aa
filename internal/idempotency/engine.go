// Package idempotency implements the idempotency key protocol: a request
// carrying a key either claims it and runs, replays the response recorded
// for it, or is turned away as a concurrent duplicate or a reused key.
//
// Every read and write goes through an access.Coordinator; nothing about an
// entry is remembered between requests.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"idemgate/internal/access"
	"idemgate/internal/cache"
	"idemgate/internal/entry"
	"idemgate/internal/fingerprint"
	"idemgate/internal/metrics"
	"idemgate/pkg/logging/logging"
)

var (
	ErrStoreNotConfigured = access.ErrStoreNotConfigured
	ErrCodecNotConfigured = errors.New("idempotency: entry codec not configured")
)

type Engine struct {
	cfg      Config
	coord    *access.Coordinator
	codec    entry.Codec
	logger   *zap.Logger
	methods  map[string]struct{}
	excluded map[string]struct{}
	ttl      cache.EntryOptions
	newOwner func() uuid.UUID
}

// New builds an Engine. coord must be non-nil: an engine without a store has
// nothing to coordinate.
func New(cfg Config, coord *access.Coordinator, codec entry.Codec, logger *zap.Logger) (*Engine, error) {
	if coord == nil {
		return nil, ErrStoreNotConfigured
	}
	if codec == nil {
		return nil, ErrCodecNotConfigured
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid idempotency config: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("idempotency")

	if !coord.Atomic() {
		logger.Warn("store has no atomic add and no distributed lock is configured; " +
			"concurrent duplicates across processes may both be claimed")
	}

	e := &Engine{
		cfg:      cfg,
		coord:    coord,
		codec:    codec,
		logger:   logger,
		methods:  make(map[string]struct{}, len(cfg.Methods)),
		excluded: make(map[string]struct{}, len(cfg.ExcludedHeaders)),
		ttl:      coord.CreateEntryOptions(cfg.TTL),
		newOwner: uuid.New,
	}
	for _, m := range cfg.Methods {
		e.methods[strings.ToUpper(m)] = struct{}{}
	}
	for _, h := range cfg.ExcludedHeaders {
		e.excluded[http.CanonicalHeaderKey(h)] = struct{}{}
	}

	return e, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Attempt is one request's pass through the protocol. Methods are safe for
// concurrent use but an Attempt must not be shared between requests.
type Attempt struct {
	e *Engine

	// decided in Prepare; zero means the request is tracked
	gate   State
	reason Reason

	key         string
	cacheKey    string
	fingerprint string

	mu        sync.Mutex
	state     State
	preHooked bool
	owner     uuid.UUID
}

// Prepare decides whether r is tracked, extracts its key and computes its
// fingerprint. It buffers the request body and must run before anything else
// reads it. The only error is fingerprint.ErrBodyTooLarge or a body read
// failure.
func (e *Engine) Prepare(r *http.Request) (*Attempt, error) {
	a := &Attempt{e: e}

	if _, ok := e.methods[strings.ToUpper(r.Method)]; !ok {
		a.gate = NotApplicable
		return a, nil
	}

	values := r.Header.Values(e.cfg.HeaderName)
	switch {
	case len(values) == 0 && e.cfg.Optional:
		a.gate = NotApplicable
		return a, nil
	case len(values) == 0:
		a.gate, a.reason = Rejected, MissingKey
		return a, nil
	case len(values) > 1:
		a.gate, a.reason = Rejected, AmbiguousKey
		return a, nil
	case strings.TrimSpace(values[0]) == "":
		a.gate, a.reason = Rejected, EmptyKey
		return a, nil
	}

	a.key = values[0]
	a.cacheKey = e.cfg.KeyPrefix + a.key

	fp, err := fingerprint.Compute(r, fingerprint.Options{MaxBodyBytes: e.cfg.MaxBodyBytes})
	if err != nil {
		return nil, err
	}
	a.fingerprint = fp

	return a, nil
}

func (a *Attempt) Key() string         { return a.key }
func (a *Attempt) CacheKey() string    { return a.cacheKey }
func (a *Attempt) Fingerprint() string { return a.fingerprint }

func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// PreHook runs the claim. A second call on the same Attempt returns
// NotApplicable without touching the store.
//
// Lock contention is reported as ConflictInFlight with Cause set. A returned
// error is fatal for the request: a store failure or an undecodable entry.
func (a *Attempt) PreHook(ctx context.Context) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.preHooked {
		return Result{State: NotApplicable, Key: a.key}, nil
	}
	a.preHooked = true

	if a.gate != Pending {
		a.state = a.gate
		res := Result{State: a.gate, Reason: a.reason}
		a.e.observe(ctx, a, res)
		return res, nil
	}

	res, err := a.claim(ctx)
	if err != nil {
		a.e.log(ctx).Error("idempotency claim failed",
			append(logging.KeyFields(a.key, a.cacheKey), zap.Error(err))...)
		return Result{}, err
	}
	a.state = res.State
	a.e.observe(ctx, a, res)
	return res, nil
}

func (a *Attempt) claim(ctx context.Context) (Result, error) {
	e := a.e
	a.owner = e.newOwner()

	marker, err := e.codec.Encode(&entry.InFlight{Owner: a.owner})
	if err != nil {
		return Result{}, fmt.Errorf("idempotency: encode in-flight marker: %w", err)
	}

	stored, err := e.coord.GetOrSet(ctx, a.cacheKey, marker, e.ttl, e.cfg.LockTimeout)
	if errors.Is(err, access.ErrLockNotAcquired) {
		return Result{State: ConflictInFlight, Key: a.key, Cause: err}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("idempotency: claim %q: %w", a.cacheKey, err)
	}

	existing, err := e.codec.Decode(stored)
	if err != nil {
		return Result{}, fmt.Errorf("idempotency: decode entry %q: %w", a.cacheKey, err)
	}

	switch v := existing.(type) {
	case *entry.InFlight:
		if v.Owner == a.owner {
			return Result{State: Claimed, Key: a.key}, nil
		}
		return Result{State: ConflictInFlight, Key: a.key}, nil
	case *entry.Completed:
		if v.Fingerprint != a.fingerprint {
			return Result{State: FingerprintMismatch, Key: a.key}, nil
		}
		return Result{State: ReturnedFromCache, Key: a.key, Completed: v}, nil
	default:
		return Result{}, fmt.Errorf("idempotency: entry %q: %w", a.cacheKey, entry.ErrUnknownKind)
	}
}

// PostHook records out under the claimed key, or releases the key when the
// handler failed or, with CacheOnlySuccess, answered with a non-2xx status.
// It is a no-op unless PreHook claimed the key.
func (a *Attempt) PostHook(ctx context.Context, out Outcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Claimed {
		return nil
	}
	a.state = Finalized

	e := a.e
	log := e.log(ctx).With(logging.KeyFields(a.key, a.cacheKey)...)

	if out.Err != nil || (e.cfg.CacheOnlySuccess && !out.succeeded()) {
		log.Debug("releasing idempotency key",
			zap.Int("status", out.status()),
			zap.NamedError("handler_error", out.Err),
		)
		metrics.OutcomesTotal.WithLabelValues("released").Inc()
		return a.release(ctx)
	}

	completed := &entry.Completed{
		Fingerprint: a.fingerprint,
		StatusCode:  out.status(),
		Header:      e.recordedHeader(out.Header),
		Body:        out.Body,
		ContentType: out.ContentType,
	}
	if completed.ContentType == "" {
		completed.ContentType = out.Header.Get("Content-Type")
	}

	value, err := e.codec.Encode(completed)
	if err == nil {
		err = e.coord.Set(ctx, a.cacheKey, value, e.ttl, e.cfg.LockTimeout)
	}
	if err != nil {
		err = fmt.Errorf("idempotency: record response for %q: %w", a.cacheKey, err)
		// an InFlight marker left behind would block the key until it expires
		return errors.Join(err, a.release(ctx))
	}

	log.Debug("idempotency response recorded", zap.Int("status", completed.StatusCode))
	metrics.OutcomesTotal.WithLabelValues(Finalized.String()).Inc()
	return nil
}

// Cancel releases a claimed key without recording anything. It is safe to
// call at any point, any number of times; only the first call after a
// successful claim touches the store.
func (a *Attempt) Cancel(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Claimed {
		return nil
	}
	a.state = Finalized

	a.e.log(ctx).Info("idempotency claim cancelled", logging.KeyFields(a.key, a.cacheKey)...)
	metrics.OutcomesTotal.WithLabelValues("cancelled").Inc()
	return a.release(ctx)
}

func (a *Attempt) release(ctx context.Context) error {
	if err := a.e.coord.Remove(ctx, a.cacheKey, a.e.cfg.LockTimeout); err != nil {
		return fmt.Errorf("idempotency: release %q: %w", a.cacheKey, err)
	}
	return nil
}

func (e *Engine) recordedHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	out := make(http.Header, len(h))
	for k, v := range h {
		if _, skip := e.excluded[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

// log prefers the request-scoped logger.
func (e *Engine) log(ctx context.Context) *zap.Logger {
	return logging.FromContextOr(ctx, e.logger)
}

func (e *Engine) observe(ctx context.Context, a *Attempt, res Result) {
	metrics.OutcomesTotal.WithLabelValues(res.State.String()).Inc()

	log := e.log(ctx)
	fields := append(logging.KeyFields(a.key, a.cacheKey), zap.Stringer("state", res.State))
	switch res.State {
	case Rejected:
		log.Info("idempotency key rejected", append(fields, zap.String("reason", string(res.Reason)))...)
	case ConflictInFlight:
		if res.Cause != nil {
			log.Warn("idempotency key contended", append(fields, zap.Error(res.Cause))...)
			return
		}
		log.Info("idempotency key in flight", fields...)
	case FingerprintMismatch:
		log.Info("idempotency key reused with a different request", fields...)
	default:
		log.Debug("idempotency pre-hook", fields...)
	}
}
