// Package entry defines the values stored under an idempotency cache key and
// their wire encoding.
package entry

import (
	"net/http"

	"github.com/google/uuid"
)

type Kind string

const (
	KindInFlight  Kind = "inflight"
	KindCompleted Kind = "completed"
)

// Entry is either *InFlight or *Completed.
type Entry interface {
	Kind() Kind
	isEntry()
}

// InFlight marks a key claimed by the request with id Owner.
type InFlight struct {
	Owner uuid.UUID
}

func (*InFlight) Kind() Kind { return KindInFlight }
func (*InFlight) isEntry()   {}

// Completed is the recorded outcome of the request that owned the key.
type Completed struct {
	Fingerprint string
	StatusCode  int
	Header      http.Header
	Body        []byte
	ContentType string
}

func (*Completed) Kind() Kind { return KindCompleted }
func (*Completed) isEntry()   {}
