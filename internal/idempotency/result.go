package idempotency

import (
	"fmt"
	"net/http"

	"idemgate/internal/entry"
)

// State is where a request stands in the idempotency protocol.
type State int

const (
	// Pending is the state of an Attempt whose PreHook has not run.
	Pending State = iota
	NotApplicable
	Rejected
	Claimed
	ConflictInFlight
	FingerprintMismatch
	ReturnedFromCache
	Finalized
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case NotApplicable:
		return "not_applicable"
	case Rejected:
		return "rejected"
	case Claimed:
		return "claimed"
	case ConflictInFlight:
		return "conflict_in_flight"
	case FingerprintMismatch:
		return "fingerprint_mismatch"
	case ReturnedFromCache:
		return "returned_from_cache"
	case Finalized:
		return "finalized"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reason explains a Rejected state.
type Reason string

const (
	MissingKey   Reason = "missing_key"
	EmptyKey     Reason = "empty_key"
	AmbiguousKey Reason = "ambiguous_key"
)

// Result is the outcome of PreHook.
type Result struct {
	State  State
	Reason Reason // set when State is Rejected
	Key    string // idempotency key as sent by the client

	// Completed is the recorded response, set when State is ReturnedFromCache.
	Completed *entry.Completed

	// Cause is the lock failure behind a ConflictInFlight, if any.
	Cause error
}

// Proceed reports whether the handler should run.
func (r Result) Proceed() bool {
	return r.State == NotApplicable || r.State == Claimed
}

// Problem is the client-facing error for a short-circuited request.
type Problem struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

// Problem returns the error response for Rejected, ConflictInFlight and
// FingerprintMismatch results. ok is false for every other state.
func (r Result) Problem(header string) (p Problem, ok bool) {
	switch r.State {
	case Rejected:
		var msg string
		switch r.Reason {
		case MissingKey:
			msg = fmt.Sprintf("the %s header is required", header)
		case EmptyKey:
			msg = fmt.Sprintf("the %s header must not be empty", header)
		case AmbiguousKey:
			msg = fmt.Sprintf("the %s header must be sent exactly once", header)
		default:
			msg = fmt.Sprintf("invalid %s header", header)
		}
		return Problem{Status: http.StatusBadRequest, Code: string(r.Reason), Message: msg}, true
	case ConflictInFlight:
		return Problem{
			Status:  http.StatusConflict,
			Code:    "request_in_flight",
			Message: fmt.Sprintf("a request with idempotency key %q is already being processed", r.Key),
		}, true
	case FingerprintMismatch:
		return Problem{
			Status:  http.StatusBadRequest,
			Code:    "idempotency_key_reused",
			Message: fmt.Sprintf("idempotency key %q was already used for a different request", r.Key),
		}, true
	default:
		return Problem{}, false
	}
}

// Outcome is what the handler produced for a claimed request.
type Outcome struct {
	StatusCode  int // 0 is recorded as 200
	Header      http.Header
	Body        []byte
	ContentType string // defaults to Header's Content-Type

	// Err is a handler failure; the claim is released and nothing recorded.
	Err error
}

func (o Outcome) status() int {
	if o.StatusCode == 0 {
		return http.StatusOK
	}
	return o.StatusCode
}

func (o Outcome) succeeded() bool {
	s := o.status()
	return s >= 200 && s < 300
}
