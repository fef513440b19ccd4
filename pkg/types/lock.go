package types

import "time"

// epoch is the fencing token of a grantor
// the elder increments it every time it installs a grantor for a service
type Epoch uint64

// sentinel for an infinite wait or an infinite lease
const Infinite time.Duration = -1

// wait value meaning "fail immediately if the lock is held"
const NoWait time.Duration = 0

type GrantorState int

const (
	StateVacant GrantorState = iota
	StateElecting
	StateRecovering
	StateReady
)

func (s GrantorState) String() string {
	switch s {
	case StateVacant:
		return "vacant"
	case StateElecting:
		return "electing"
	case StateRecovering:
		return "recovering"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

type GrantOutcome int

const (
	OutcomeGranted GrantOutcome = iota + 1
	OutcomeQueued
	OutcomeDenied
)

func (o GrantOutcome) String() string {
	switch o {
	case OutcomeGranted:
		return "granted"
	case OutcomeQueued:
		return "queued"
	case OutcomeDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// a request to acquire a named lock
// the holder identity is the pair (Requester, RequestID)
type LockRequest struct {
	Service   string        `json:"service"`
	Name      string        `json:"name"`
	Requester MemberID      `json:"requester"`
	RequestID string        `json:"request_id"`
	Wait      time.Duration `json:"wait"`
	Lease     time.Duration `json:"lease"`
}

// a lock a member reports holding during recovery
type HeldLock struct {
	Name      string        `json:"name"`
	Holder    MemberID      `json:"holder"`
	RequestID string        `json:"request_id"`
	Remaining time.Duration `json:"remaining"` // Infinite when the lease never expires
}
