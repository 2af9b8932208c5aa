package access

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreNotConfigured is returned by New when no cache store is given.
	ErrStoreNotConfigured = errors.New("access: cache store not configured")
	// ErrEmptyKey is returned for an empty key argument.
	ErrEmptyKey = errors.New("access: key must not be empty")
	// ErrLockTimeoutRequired is returned when a distributed lock provider is
	// configured but the call did not supply a lock timeout.
	ErrLockTimeoutRequired = errors.New("access: distributed lock timeout is required")
	// ErrLockNotAcquired matches every *LockNotAcquiredError.
	ErrLockNotAcquired = errors.New("access: lock not acquired")
)

const (
	LockLocal       = "local"
	LockDistributed = "distributed"
)

// LockNotAcquiredError reports a key lock that could not be taken. Cause is
// the underlying failure, when the lock implementation reported one.
type LockNotAcquiredError struct {
	Key   string
	Kind  string // LockLocal or LockDistributed
	Cause error
}

func (e *LockNotAcquiredError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("access: %s lock for %q not acquired", e.Kind, e.Key)
	}
	return fmt.Sprintf("access: %s lock for %q not acquired: %v", e.Kind, e.Key, e.Cause)
}

func (e *LockNotAcquiredError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrLockNotAcquired}
	}
	return []error{ErrLockNotAcquired, e.Cause}
}
