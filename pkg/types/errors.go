package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// Lock errors
	ErrLockTimeout     = errors.New("lock wait timed out")
	ErrLockDenied      = errors.New("lock is held and caller does not wait")
	ErrNotHeld         = errors.New("lock is not held by caller")
	ErrInvalidLockName = errors.New("invalid lock name")

	// Grantor errors
	ErrGrantorChanged   = errors.New("grantor changed")
	ErrStaleEpoch       = errors.New("epoch is stale")
	ErrNotElder         = errors.New("member is not the elder")
	ErrElectionConflict = errors.New("grantor election conflict")

	// Recovery errors, carried by *InconsistencyError
	ErrRecoveryInconsistency = errors.New("inconsistent lock state")

	// Lifecycle errors
	ErrServiceDestroyed  = errors.New("lock service destroyed")
	ErrMemberClosed      = errors.New("member closed")
	ErrUnknownMessage    = errors.New("unknown message kind")
	ErrMemberUnreachable = errors.New("member unreachable")

	// Registry errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session has expired")
	ErrInvalidTTL      = errors.New("invalid session TTL")
	ErrNotLeader       = errors.New("node is not the raft leader")
)

// reported when recovery finds more than one member claiming the same lock
type InconsistencyError struct {
	Service   string
	Lock      string
	Epoch     Epoch
	Claimants []MemberID
}

func (e *InconsistencyError) Error() string {
	ids := make([]string, len(e.Claimants))
	for i, id := range e.Claimants {
		ids[i] = string(id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("%s for %s/%s at epoch %d: claimed by [%s]",
		ErrRecoveryInconsistency, e.Service, e.Lock, e.Epoch, strings.Join(ids, ", "))
}

func (e *InconsistencyError) Unwrap() error { return ErrRecoveryInconsistency }

// retryable errors make a proxy resolve the grantor again
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGrantorChanged) ||
		errors.Is(err, ErrStaleEpoch) ||
		errors.Is(err, ErrNotElder) ||
		errors.Is(err, ErrElectionConflict) ||
		errors.Is(err, ErrMemberUnreachable)
}
