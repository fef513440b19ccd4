package dls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pixperk/dlockd/pkg/metrics"
	ltime "github.com/pixperk/dlockd/pkg/time"
	"github.com/pixperk/dlockd/pkg/types"
	"github.com/rs/zerolog"
)

type grantResult struct {
	outcome   types.GrantOutcome
	remaining time.Duration
	err       error
}

// a queued lock request, notified exactly once
type waiter struct {
	req  types.LockRequest
	done chan grantResult
}

func (w *waiter) finish(r grantResult) {
	select {
	case w.done <- r:
	default:
	}
}

// Decision is the immediate answer to a grant request
// when Outcome is queued the final answer arrives on Done
type Decision struct {
	Outcome   types.GrantOutcome
	Remaining time.Duration
	Done      <-chan grantResult
}

type token struct {
	name      string
	holder    types.MemberID
	requestID string
	expiresAt time.Duration // monotonic, -1 never expires
	recovered bool

	// more than one member claimed the lock during recovery
	// it stays unavailable until every claimant released it
	claimants map[types.MemberID]string

	waiters []*waiter
}

func (t *token) held() bool {
	return t.holder != "" || len(t.claimants) > 0
}

type pendingKind int

const (
	pendingGrant pendingKind = iota
	pendingRelease
	pendingWithdraw
	pendingDeparture
)

// an operation that arrived while the table was being recovered
type pendingOp struct {
	kind      pendingKind
	waiter    *waiter
	name      string
	holder    types.MemberID
	requestID string
	epoch     types.Epoch
	done      chan error
}

// TokenManager is the lock table a grantor keeps for one service
// a new table starts in recovery, requests queue up until Recover runs
type TokenManager struct {
	service string
	clock   *ltime.Clock
	logger  zerolog.Logger

	mu         sync.Mutex
	epoch      types.Epoch
	tokens     map[string]*token
	recovering bool
	deposed    bool
	pending    []*pendingOp
}

func NewTokenManager(service string, epoch types.Epoch, clock *ltime.Clock, logger zerolog.Logger) *TokenManager {
	return &TokenManager{
		service:    service,
		clock:      clock,
		logger:     logger,
		epoch:      epoch,
		tokens:     make(map[string]*token),
		recovering: true,
	}
}

func (tm *TokenManager) Epoch() types.Epoch {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.epoch
}

func (tm *TokenManager) checkEpochLocked(epoch types.Epoch) error {
	if tm.deposed || epoch > tm.epoch {
		return types.ErrGrantorChanged
	}
	if epoch < tm.epoch {
		return types.ErrStaleEpoch
	}
	return nil
}

// Grant decides a lock request
// a free lock with nobody waiting is granted, otherwise the request
// queues behind earlier ones unless it does not wait
func (tm *TokenManager) Grant(req types.LockRequest, epoch types.Epoch) (Decision, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if err := tm.checkEpochLocked(epoch); err != nil {
		return Decision{}, err
	}

	w := &waiter{req: req, done: make(chan grantResult, 1)}
	if tm.recovering {
		tm.pending = append(tm.pending, &pendingOp{kind: pendingGrant, waiter: w})
		return Decision{Outcome: types.OutcomeQueued, Done: w.done}, nil
	}
	return tm.grantLocked(w), nil
}

func (tm *TokenManager) grantLocked(w *waiter) Decision {
	t := tm.tokenLocked(w.req.Name)
	tm.expireLocked(t)

	// a retransmitted request for a grant we already made
	if t.holder == w.req.Requester && t.requestID == w.req.RequestID {
		return Decision{Outcome: types.OutcomeGranted, Remaining: tm.clock.Remaining(t.expiresAt)}
	}

	if !t.held() && len(t.waiters) == 0 {
		tm.assignLocked(t, w.req)
		return Decision{Outcome: types.OutcomeGranted, Remaining: tm.clock.Remaining(t.expiresAt)}
	}
	if w.req.Wait == types.NoWait {
		return Decision{Outcome: types.OutcomeDenied}
	}

	t.waiters = append(t.waiters, w)
	return Decision{Outcome: types.OutcomeQueued, Done: w.done}
}

// Release frees a lock held by holder
// during recovery the release waits for the table, and a release under
// the previous epoch only succeeds for a lock recovered for that holder
func (tm *TokenManager) Release(ctx context.Context, name string, holder types.MemberID, requestID string, epoch types.Epoch) error {
	tm.mu.Lock()
	if tm.deposed || epoch > tm.epoch {
		tm.mu.Unlock()
		return types.ErrGrantorChanged
	}
	if !tm.recovering {
		defer tm.mu.Unlock()
		if epoch < tm.epoch {
			return types.ErrStaleEpoch
		}
		return tm.releaseHolderLocked(name, holder, requestID, epoch)
	}

	op := &pendingOp{
		kind:      pendingRelease,
		name:      name,
		holder:    holder,
		requestID: requestID,
		epoch:     epoch,
		done:      make(chan error, 1),
	}
	tm.pending = append(tm.pending, op)
	tm.mu.Unlock()

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tm *TokenManager) releaseHolderLocked(name string, holder types.MemberID, requestID string, epoch types.Epoch) error {
	t, ok := tm.tokens[name]
	if !ok {
		return types.ErrNotHeld
	}
	tm.expireLocked(t)

	if epoch < tm.epoch && !t.recovered {
		return types.ErrNotHeld
	}

	if _, ok := t.claimants[holder]; ok {
		delete(t.claimants, holder)
		tm.logger.Info().
			Str("lock", name).
			Str("claimant", string(holder)).
			Int("remaining_claimants", len(t.claimants)).
			Msg("conflicting claimant released")
		if len(t.claimants) == 0 {
			t.claimants = nil
			tm.grantNextLocked(t)
		}
		return nil
	}

	if t.holder != holder || (requestID != "" && t.requestID != requestID) {
		return types.ErrNotHeld
	}
	tm.releaseLocked(t)
	return nil
}

// Withdraw drops a queued request, or releases the lock if the request
// was granted after its sender gave up
func (tm *TokenManager) Withdraw(name, requestID string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.deposed {
		return false
	}
	if tm.recovering {
		tm.pending = append(tm.pending, &pendingOp{kind: pendingWithdraw, name: name, requestID: requestID})
		return false
	}
	return tm.withdrawLocked(name, requestID)
}

func (tm *TokenManager) withdrawLocked(name, requestID string) bool {
	t, ok := tm.tokens[name]
	if !ok {
		return false
	}
	for i, w := range t.waiters {
		if w.req.RequestID == requestID {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			w.finish(grantResult{err: types.ErrLockTimeout})
			return false
		}
	}
	if t.holder != "" && t.requestID == requestID {
		tm.logger.Debug().Str("lock", name).Str("request_id", requestID).Msg("withdrawn request was already granted, releasing")
		tm.releaseLocked(t)
		return true
	}
	return false
}

// ReleaseMember frees everything a departed member held or waited for
func (tm *TokenManager) ReleaseMember(id types.MemberID) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.deposed {
		return
	}
	if tm.recovering {
		tm.pending = append(tm.pending, &pendingOp{kind: pendingDeparture, holder: id})
		return
	}
	tm.releaseMemberLocked(id)
}

func (tm *TokenManager) releaseMemberLocked(id types.MemberID) {
	for _, t := range tm.tokens {
		kept := t.waiters[:0]
		for _, w := range t.waiters {
			if w.req.Requester == id {
				w.finish(grantResult{err: types.ErrMemberClosed})
				continue
			}
			kept = append(kept, w)
		}
		t.waiters = kept

		if _, ok := t.claimants[id]; ok {
			delete(t.claimants, id)
			if len(t.claimants) == 0 {
				t.claimants = nil
				tm.grantNextLocked(t)
			}
		}
		if t.holder == id {
			tm.logger.Info().Str("lock", t.name).Str("holder", string(id)).Msg("releasing lock of departed member")
			tm.releaseLocked(t)
		}
	}
}

// Recover rebuilds the table from what members reported and the tokens
// handed off by a deposed grantor, then replays queued requests in
// arrival order
// claims holds one entry per member that answered, silent members are
// assumed to hold nothing
func (tm *TokenManager) Recover(claims map[types.MemberID][]types.HeldLock, handoff []types.HeldLock) []*types.InconsistencyError {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.deposed || !tm.recovering {
		return nil
	}

	claimed := make(map[string]map[types.MemberID]bool)
	mark := func(name string, id types.MemberID) {
		if claimed[name] == nil {
			claimed[name] = make(map[types.MemberID]bool)
		}
		claimed[name][id] = true
	}

	members := make([]types.MemberID, 0, len(claims))
	for id := range claims {
		members = append(members, id)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })

	for _, id := range members {
		for _, h := range claims[id] {
			h.Holder = id
			tm.mergeLocked(h)
			mark(h.Name, id)
		}
	}

	for _, h := range handoff {
		if claimed[h.Name][h.Holder] {
			continue
		}
		if _, answered := claims[h.Holder]; answered {
			tm.logger.Debug().
				Str("lock", h.Name).
				Str("holder", string(h.Holder)).
				Msg("dropping handed off token its holder does not report")
			continue
		}
		tm.mergeLocked(h)
		mark(h.Name, h.Holder)
	}

	var conflicts []*types.InconsistencyError
	for _, t := range tm.tokens {
		if len(t.claimants) < 2 {
			continue
		}
		ids := make([]types.MemberID, 0, len(t.claimants))
		for id := range t.claimants {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		conflicts = append(conflicts, &types.InconsistencyError{
			Service:   tm.service,
			Lock:      t.name,
			Epoch:     tm.epoch,
			Claimants: ids,
		})
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Lock < conflicts[j].Lock })

	tm.recovering = false
	pending := tm.pending
	tm.pending = nil
	for _, op := range pending {
		tm.replayLocked(op)
	}

	return conflicts
}

func (tm *TokenManager) mergeLocked(h types.HeldLock) {
	t := tm.tokenLocked(h.Name)
	expiresAt := tm.clock.ExpiresAt(h.Remaining)

	switch {
	case !t.held():
		t.holder = h.Holder
		t.requestID = h.RequestID
		t.expiresAt = expiresAt
		t.recovered = true
	case t.holder == h.Holder:
		t.expiresAt = laterExpiry(t.expiresAt, expiresAt)
	default:
		if t.claimants == nil {
			t.claimants = map[types.MemberID]string{t.holder: t.requestID}
		}
		t.claimants[h.Holder] = h.RequestID
		t.holder = ""
		t.requestID = ""
		t.expiresAt = laterExpiry(t.expiresAt, expiresAt)
		t.recovered = true
	}
}

func (tm *TokenManager) replayLocked(op *pendingOp) {
	switch op.kind {
	case pendingGrant:
		d := tm.grantLocked(op.waiter)
		if d.Outcome != types.OutcomeQueued {
			op.waiter.finish(grantResult{outcome: d.Outcome, remaining: d.Remaining})
		}
	case pendingRelease:
		op.done <- tm.releaseHolderLocked(op.name, op.holder, op.requestID, op.epoch)
	case pendingWithdraw:
		tm.withdrawLocked(op.name, op.requestID)
	case pendingDeparture:
		tm.releaseMemberLocked(op.holder)
	}
}

// HandOff stops the table and returns every held token for the next
// grantor, waiting requests fail with ErrGrantorChanged
func (tm *TokenManager) HandOff() []types.HeldLock {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.deposed {
		return nil
	}
	tm.deposed = true

	var out []types.HeldLock
	for _, t := range tm.tokens {
		remaining := tm.clock.Remaining(t.expiresAt)
		if t.holder != "" {
			out = append(out, types.HeldLock{Name: t.name, Holder: t.holder, RequestID: t.requestID, Remaining: remaining})
		}
		for id, rid := range t.claimants {
			out = append(out, types.HeldLock{Name: t.name, Holder: id, RequestID: rid, Remaining: remaining})
		}
		for _, w := range t.waiters {
			w.finish(grantResult{err: types.ErrGrantorChanged})
		}
	}
	for _, op := range tm.pending {
		switch op.kind {
		case pendingGrant:
			op.waiter.finish(grantResult{err: types.ErrGrantorChanged})
		case pendingRelease:
			op.done <- types.ErrGrantorChanged
		}
	}

	tm.tokens = make(map[string]*token)
	tm.pending = nil
	metrics.LocksHeld.WithLabelValues(tm.service).Set(0)
	metrics.LockWaiters.WithLabelValues(tm.service).Set(0)

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Sweep releases expired leases and forgets idle tokens
func (tm *TokenManager) Sweep() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.deposed || tm.recovering {
		return 0
	}

	expired := 0
	held, waiting := 0, 0
	for name, t := range tm.tokens {
		if tm.expireLocked(t) {
			expired++
		}
		if !t.held() && len(t.waiters) == 0 {
			delete(tm.tokens, name)
			continue
		}
		if t.held() {
			held++
		}
		waiting += len(t.waiters)
	}

	metrics.LocksHeld.WithLabelValues(tm.service).Set(float64(held))
	metrics.LockWaiters.WithLabelValues(tm.service).Set(float64(waiting))
	return expired
}

// Holder reports who holds name, conflicting claims report no holder
func (tm *TokenManager) Holder(name string) (types.MemberID, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	t, ok := tm.tokens[name]
	if !ok {
		return "", false
	}
	tm.expireLocked(t)
	return t.holder, t.holder != ""
}

type TokenStats struct {
	Epoch      types.Epoch `json:"epoch"`
	Recovering bool        `json:"recovering"`
	Held       int         `json:"held"`
	Conflicted int         `json:"conflicted"`
	Waiters    int         `json:"waiters"`
	Pending    int         `json:"pending"`
}

func (tm *TokenManager) Stats() TokenStats {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	stats := TokenStats{
		Epoch:      tm.epoch,
		Recovering: tm.recovering,
		Pending:    len(tm.pending),
	}
	for _, t := range tm.tokens {
		if t.holder != "" {
			stats.Held++
		}
		if len(t.claimants) > 0 {
			stats.Conflicted++
		}
		stats.Waiters += len(t.waiters)
	}
	return stats
}

func (tm *TokenManager) tokenLocked(name string) *token {
	t, ok := tm.tokens[name]
	if !ok {
		t = &token{name: name, expiresAt: -1}
		tm.tokens[name] = t
	}
	return t
}

func (tm *TokenManager) assignLocked(t *token, req types.LockRequest) {
	t.holder = req.Requester
	t.requestID = req.RequestID
	t.expiresAt = tm.clock.ExpiresAt(leaseTTL(req.Lease))
	t.recovered = false
}

func (tm *TokenManager) releaseLocked(t *token) {
	t.holder = ""
	t.requestID = ""
	t.claimants = nil
	t.recovered = false
	t.expiresAt = -1
	tm.grantNextLocked(t)
}

// hands a free lock to the oldest waiter
func (tm *TokenManager) grantNextLocked(t *token) {
	if t.held() || len(t.waiters) == 0 {
		return
	}
	w := t.waiters[0]
	t.waiters = t.waiters[1:]
	tm.assignLocked(t, w.req)
	w.finish(grantResult{outcome: types.OutcomeGranted, remaining: tm.clock.Remaining(t.expiresAt)})
}

func (tm *TokenManager) expireLocked(t *token) bool {
	if !t.held() || !tm.clock.Expired(t.expiresAt) {
		return false
	}
	tm.logger.Info().
		Str("lock", t.name).
		Str("holder", string(t.holder)).
		Msg("lock lease expired")
	metrics.LeaseExpireTotal.WithLabelValues(tm.service).Inc()
	tm.releaseLocked(t)
	return true
}

// a lease of zero or less never expires
func leaseTTL(lease time.Duration) time.Duration {
	if lease <= 0 {
		return types.Infinite
	}
	return lease
}

func laterExpiry(a, b time.Duration) time.Duration {
	if a < 0 || b < 0 {
		return -1
	}
	if a > b {
		return a
	}
	return b
}
