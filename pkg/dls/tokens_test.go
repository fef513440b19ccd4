package dls

import (
	"context"
	"testing"
	"time"

	ltime "github.com/pixperk/dlockd/pkg/time"
	"github.com/pixperk/dlockd/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReadyTable(t *testing.T, epoch types.Epoch) (*TokenManager, *ltime.Clock) {
	t.Helper()
	clock := ltime.NewClock()
	tm := NewTokenManager("svc", epoch, clock, zerolog.Nop())
	require.Empty(t, tm.Recover(map[types.MemberID][]types.HeldLock{}, nil))
	return tm, clock
}

func lockReq(member types.MemberID, id, name string, wait, lease time.Duration) types.LockRequest {
	return types.LockRequest{
		Service:   "svc",
		Name:      name,
		Requester: member,
		RequestID: id,
		Wait:      wait,
		Lease:     lease,
	}
}

func granted(t *testing.T, ch <-chan grantResult) grantResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(time.Second):
		t.Fatal("waiter was not notified")
		return grantResult{}
	}
}

func TestGrantFreeLock(t *testing.T) {
	tm, _ := newReadyTable(t, 1)

	d, err := tm.Grant(lockReq("m-0", "a", "L1", types.Infinite, types.Infinite), 1)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeGranted, d.Outcome)
	assert.Equal(t, types.Infinite, d.Remaining)

	holder, ok := tm.Holder("L1")
	require.True(t, ok)
	assert.Equal(t, types.MemberID("m-0"), holder)
}

func TestNoWaitDeniedWhileHeld(t *testing.T) {
	tm, _ := newReadyTable(t, 1)

	_, err := tm.Grant(lockReq("m-0", "a", "L1", types.Infinite, types.Infinite), 1)
	require.NoError(t, err)

	d, err := tm.Grant(lockReq("m-1", "b", "L1", types.NoWait, types.Infinite), 1)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDenied, d.Outcome)
	assert.Equal(t, 0, tm.Stats().Waiters)
}

func TestLocksAreNotReentrant(t *testing.T) {
	tm, _ := newReadyTable(t, 1)

	_, err := tm.Grant(lockReq("m-0", "a", "L1", types.Infinite, types.Infinite), 1)
	require.NoError(t, err)

	d, err := tm.Grant(lockReq("m-0", "b", "L1", types.Infinite, types.Infinite), 1)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeQueued, d.Outcome)
}

func TestRetransmittedGrantIsIdempotent(t *testing.T) {
	tm, _ := newReadyTable(t, 1)

	req := lockReq("m-0", "a", "L1", types.Infinite, time.Minute)
	_, err := tm.Grant(req, 1)
	require.NoError(t, err)

	d, err := tm.Grant(req, 1)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeGranted, d.Outcome)
}

func TestWaitersGrantedInArrivalOrder(t *testing.T) {
	tm, _ := newReadyTable(t, 1)
	ctx := context.Background()

	_, err := tm.Grant(lockReq("m-0", "a", "L1", types.Infinite, types.Infinite), 1)
	require.NoError(t, err)

	var queued []<-chan grantResult
	for _, m := range []types.MemberID{"m-1", "m-2", "m-3"} {
		d, err := tm.Grant(lockReq(m, string(m), "L1", types.Infinite, types.Infinite), 1)
		require.NoError(t, err)
		require.Equal(t, types.OutcomeQueued, d.Outcome)
		queued = append(queued, d.Done)
	}

	holders := []types.MemberID{"m-0", "m-1", "m-2", "m-3"}
	for i := 0; i < 3; i++ {
		require.NoError(t, tm.Release(ctx, "L1", holders[i], "", 1))

		res := granted(t, queued[i])
		require.NoError(t, res.err)
		assert.Equal(t, types.OutcomeGranted, res.outcome)

		holder, _ := tm.Holder("L1")
		assert.Equal(t, holders[i+1], holder)
	}
}

func TestReleaseNotHeld(t *testing.T) {
	tm, _ := newReadyTable(t, 1)
	ctx := context.Background()

	assert.ErrorIs(t, tm.Release(ctx, "L1", "m-0", "", 1), types.ErrNotHeld)

	_, err := tm.Grant(lockReq("m-0", "a", "L1", types.Infinite, types.Infinite), 1)
	require.NoError(t, err)

	assert.ErrorIs(t, tm.Release(ctx, "L1", "m-1", "", 1), types.ErrNotHeld)
	assert.ErrorIs(t, tm.Release(ctx, "L1", "m-0", "other", 1), types.ErrNotHeld)

	require.NoError(t, tm.Release(ctx, "L1", "m-0", "a", 1))
	assert.ErrorIs(t, tm.Release(ctx, "L1", "m-0", "a", 1), types.ErrNotHeld, "second release changes nothing")
}

func TestEpochChecks(t *testing.T) {
	tm, _ := newReadyTable(t, 3)

	_, err := tm.Grant(lockReq("m-0", "a", "L1", types.Infinite, types.Infinite), 2)
	assert.ErrorIs(t, err, types.ErrStaleEpoch)

	_, err = tm.Grant(lockReq("m-0", "a", "L1", types.Infinite, types.Infinite), 4)
	assert.ErrorIs(t, err, types.ErrGrantorChanged)

	assert.ErrorIs(t, tm.Release(context.Background(), "L1", "m-0", "a", 2), types.ErrStaleEpoch)
}

func TestLeaseExpiryWakesWaiter(t *testing.T) {
	tm, clock := newReadyTable(t, 1)

	d, err := tm.Grant(lockReq("m-0", "a", "L1", types.Infinite, time.Second), 1)
	require.NoError(t, err)
	assert.InDelta(t, float64(time.Second), float64(d.Remaining), float64(100*time.Millisecond))

	d, err = tm.Grant(lockReq("m-1", "b", "L1", types.Infinite, types.Infinite), 1)
	require.NoError(t, err)
	require.Equal(t, types.OutcomeQueued, d.Outcome)

	assert.Equal(t, 0, tm.Sweep())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, tm.Sweep())

	res := granted(t, d.Done)
	assert.Equal(t, types.OutcomeGranted, res.outcome)
	holder, _ := tm.Holder("L1")
	assert.Equal(t, types.MemberID("m-1"), holder)
}

func TestSweepForgetsIdleTokens(t *testing.T) {
	tm, _ := newReadyTable(t, 1)

	_, err := tm.Grant(lockReq("m-0", "a", "L1", types.Infinite, types.Infinite), 1)
	require.NoError(t, err)
	require.NoError(t, tm.Release(context.Background(), "L1", "m-0", "a", 1))

	tm.Sweep()
	tm.mu.Lock()
	defer tm.mu.Unlock()
	assert.Empty(t, tm.tokens)
}

func TestWithdrawQueuedRequest(t *testing.T) {
	tm, _ := newReadyTable(t, 1)

	_, err := tm.Grant(lockReq("m-0", "a", "L1", types.Infinite, types.Infinite), 1)
	require.NoError(t, err)
	d, err := tm.Grant(lockReq("m-1", "b", "L1", types.Infinite, types.Infinite), 1)
	require.NoError(t, err)

	assert.False(t, tm.Withdraw("L1", "b"))
	res := granted(t, d.Done)
	assert.ErrorIs(t, res.err, types.ErrLockTimeout)
	assert.Equal(t, 0, tm.Stats().Waiters)

	holder, _ := tm.Holder("L1")
	assert.Equal(t, types.MemberID("m-0"), holder)
}

func TestWithdrawAfterGrantReleases(t *testing.T) {
	tm, _ := newReadyTable(t, 1)

	_, err := tm.Grant(lockReq("m-0", "a", "L1", types.Infinite, types.Infinite), 1)
	require.NoError(t, err)

	assert.True(t, tm.Withdraw("L1", "a"))
	_, held := tm.Holder("L1")
	assert.False(t, held)
}

func TestReleaseMemberFreesItsLocks(t *testing.T) {
	tm, _ := newReadyTable(t, 1)

	_, err := tm.Grant(lockReq("m-0", "a", "L1", types.Infinite, types.Infinite), 1)
	require.NoError(t, err)
	gone, err := tm.Grant(lockReq("m-0", "x", "L2", types.Infinite, types.Infinite), 1)
	require.NoError(t, err)
	require.Equal(t, types.OutcomeGranted, gone.Outcome)
	next, err := tm.Grant(lockReq("m-1", "b", "L1", types.Infinite, types.Infinite), 1)
	require.NoError(t, err)

	tm.ReleaseMember("m-0")

	res := granted(t, next.Done)
	assert.Equal(t, types.OutcomeGranted, res.outcome)
	_, held := tm.Holder("L2")
	assert.False(t, held)
}

func TestRecoverRebuildsFromClaims(t *testing.T) {
	clock := ltime.NewClock()
	tm := NewTokenManager("svc", 2, clock, zerolog.Nop())

	conflicts := tm.Recover(map[types.MemberID][]types.HeldLock{
		"m-0": {{Name: "L1", RequestID: "a", Remaining: types.Infinite}},
		"m-2": {{Name: "L2", RequestID: "b", Remaining: time.Minute}},
		"m-3": nil,
	}, nil)
	assert.Empty(t, conflicts)

	holder, ok := tm.Holder("L1")
	require.True(t, ok)
	assert.Equal(t, types.MemberID("m-0"), holder)
	holder, ok = tm.Holder("L2")
	require.True(t, ok)
	assert.Equal(t, types.MemberID("m-2"), holder)

	stats := tm.Stats()
	assert.False(t, stats.Recovering)
	assert.Equal(t, 2, stats.Held)
}

func TestRecoverConflictKeepsLockUntilAllRelease(t *testing.T) {
	tm := NewTokenManager("svc", 2, ltime.NewClock(), zerolog.Nop())
	ctx := context.Background()

	conflicts := tm.Recover(map[types.MemberID][]types.HeldLock{
		"m-0": {{Name: "L1", RequestID: "a", Remaining: types.Infinite}},
		"m-2": {{Name: "L1", RequestID: "b", Remaining: types.Infinite}},
	}, nil)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "L1", conflicts[0].Lock)
	assert.Equal(t, []types.MemberID{"m-0", "m-2"}, conflicts[0].Claimants)
	assert.Contains(t, conflicts[0].Error(), "m-0, m-2")

	d, err := tm.Grant(lockReq("m-1", "c", "L1", types.NoWait, types.Infinite), 2)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDenied, d.Outcome)

	require.NoError(t, tm.Release(ctx, "L1", "m-0", "a", 2))
	d, err = tm.Grant(lockReq("m-1", "c", "L1", types.NoWait, types.Infinite), 2)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDenied, d.Outcome, "one claimant still holds it")

	require.NoError(t, tm.Release(ctx, "L1", "m-2", "b", 2))
	d, err = tm.Grant(lockReq("m-1", "c", "L1", types.NoWait, types.Infinite), 2)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeGranted, d.Outcome)
}

func TestRecoverHandoffNeedsCorroboration(t *testing.T) {
	tm := NewTokenManager("svc", 3, ltime.NewClock(), zerolog.Nop())

	tm.Recover(map[types.MemberID][]types.HeldLock{
		// answered without L1, so the handed off L1 is dropped
		"m-0": nil,
		"m-1": {{Name: "L2", RequestID: "b", Remaining: types.Infinite}},
	}, []types.HeldLock{
		{Name: "L1", Holder: "m-0", RequestID: "a", Remaining: types.Infinite},
		{Name: "L2", Holder: "m-1", RequestID: "b", Remaining: types.Infinite},
		// m-2 did not answer, the hand off is trusted
		{Name: "L3", Holder: "m-2", RequestID: "c", Remaining: types.Infinite},
	})

	_, held := tm.Holder("L1")
	assert.False(t, held)
	holder, _ := tm.Holder("L2")
	assert.Equal(t, types.MemberID("m-1"), holder)
	holder, _ = tm.Holder("L3")
	assert.Equal(t, types.MemberID("m-2"), holder)
	assert.Equal(t, 2, tm.Stats().Held)
}

func TestRequestsQueuedDuringRecoveryReplayInOrder(t *testing.T) {
	tm := NewTokenManager("svc", 2, ltime.NewClock(), zerolog.Nop())

	first, err := tm.Grant(lockReq("m-1", "a", "L1", types.Infinite, types.Infinite), 2)
	require.NoError(t, err)
	require.Equal(t, types.OutcomeQueued, first.Outcome)
	second, err := tm.Grant(lockReq("m-2", "b", "L1", types.NoWait, types.Infinite), 2)
	require.NoError(t, err)
	require.Equal(t, types.OutcomeQueued, second.Outcome)
	assert.Equal(t, 2, tm.Stats().Pending)

	tm.Recover(map[types.MemberID][]types.HeldLock{"m-1": nil, "m-2": nil}, nil)

	assert.Equal(t, types.OutcomeGranted, granted(t, first.Done).outcome)
	assert.Equal(t, types.OutcomeDenied, granted(t, second.Done).outcome)
}

func TestOldEpochReleaseDuringRecovery(t *testing.T) {
	tm := NewTokenManager("svc", 2, ltime.NewClock(), zerolog.Nop())
	ctx := context.Background()

	recovered := make(chan error, 1)
	notRecovered := make(chan error, 1)
	go func() { recovered <- tm.Release(ctx, "L1", "m-0", "a", 1) }()
	go func() { notRecovered <- tm.Release(ctx, "L2", "m-2", "b", 1) }()

	require.Eventually(t, func() bool { return tm.Stats().Pending == 2 }, time.Second, 5*time.Millisecond)

	tm.Recover(map[types.MemberID][]types.HeldLock{
		"m-0": {{Name: "L1", RequestID: "a", Remaining: types.Infinite}},
	}, nil)

	assert.NoError(t, <-recovered)
	assert.ErrorIs(t, <-notRecovered, types.ErrNotHeld)
}

func TestHandOffFailsWaiters(t *testing.T) {
	tm, _ := newReadyTable(t, 1)

	_, err := tm.Grant(lockReq("m-0", "a", "L1", types.Infinite, types.Infinite), 1)
	require.NoError(t, err)
	d, err := tm.Grant(lockReq("m-1", "b", "L1", types.Infinite, types.Infinite), 1)
	require.NoError(t, err)

	tokens := tm.HandOff()
	require.Len(t, tokens, 1)
	assert.Equal(t, types.HeldLock{Name: "L1", Holder: "m-0", RequestID: "a", Remaining: types.Infinite}, tokens[0])

	assert.ErrorIs(t, granted(t, d.Done).err, types.ErrGrantorChanged)

	_, err = tm.Grant(lockReq("m-1", "c", "L1", types.Infinite, types.Infinite), 1)
	assert.ErrorIs(t, err, types.ErrGrantorChanged)
	assert.Nil(t, tm.HandOff())
}
