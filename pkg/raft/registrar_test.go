package raft

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pixperk/dlockd/pkg/fsm"
	"github.com/pixperk/dlockd/pkg/transport"
	"github.com/pixperk/dlockd/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode replicates nothing, the leader applies straight to a shared fsm
type fakeNode struct {
	mu       sync.Mutex
	leader   types.MemberID
	self     types.MemberID
	state    *fsm.FSM
	voters   map[types.MemberID]string
	applyErr error
}

func (f *fakeNode) IsLeader() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader == f.self
}

func (f *fakeNode) LeaderID() types.MemberID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader
}

func (f *fakeNode) Apply(cmd types.Command) (any, error) {
	f.mu.Lock()
	err := f.applyErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.state.Apply(cmd)
}

func (f *fakeNode) AddVoter(id types.MemberID, addr string) error {
	if !f.IsLeader() {
		return types.ErrNotLeader
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voters[id] = addr
	return nil
}

func (f *fakeNode) setApplyErr(err error) {
	f.mu.Lock()
	f.applyErr = err
	f.mu.Unlock()
}

type harness struct {
	net   *transport.Network
	state *fsm.FSM
}

func newHarness() *harness {
	return &harness{net: transport.NewNetwork(), state: fsm.NewFSM(nil)}
}

// starts a registrar for id, leader names the current raft leader
func (h *harness) registrar(id, leader types.MemberID, peers ...types.MemberID) (*Registrar, *fakeNode) {
	node := &fakeNode{leader: leader, self: id, state: h.state, voters: make(map[types.MemberID]string)}
	ep := h.net.Endpoint(id)
	r := NewRegistrar(node, RegistrarConfig{
		ID:             id,
		Addr:           string(id) + ":7400",
		RaftAddr:       string(id) + ":7401",
		TTL:            150 * time.Millisecond,
		Peers:          peers,
		Transport:      ep,
		RequestTimeout: 200 * time.Millisecond,
		RetryBackoff:   10 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	ep.Bind(r.HandleForwarded)
	return r, node
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRegistrarOnLeader(t *testing.T) {
	h := newHarness()
	r, _ := h.registrar("a", "a")

	require.NoError(t, r.Start(testCtx(t)))
	m := r.Member()
	assert.Equal(t, types.MemberID("a"), m.ID)
	assert.Equal(t, "a:7400", m.Addr)

	//heartbeats keep the session alive past several ttls
	time.Sleep(500 * time.Millisecond)
	assert.Empty(t, h.state.GetExpiredSessions(h.state.CurrentTime()))
	assert.Equal(t, []types.Member{m}, h.state.Members())

	require.NoError(t, r.Stop(testCtx(t)))
	assert.Empty(t, h.state.Members(), "stop departs")
}

func TestRegistrarForwardsToLeader(t *testing.T) {
	h := newHarness()
	leader, _ := h.registrar("b", "b")
	follower, _ := h.registrar("a", "b")
	defer leader.Stop(context.Background())

	require.NoError(t, follower.Start(testCtx(t)))

	sess, ok := h.state.GetSession("a")
	require.True(t, ok, "the leader should hold the follower's session")
	assert.Equal(t, follower.Member(), sess.Member)

	require.NoError(t, follower.Stop(testCtx(t)))
	_, ok = h.state.GetSession("a")
	assert.False(t, ok)
}

func TestRegistrarRejoinsAfterExpiry(t *testing.T) {
	h := newHarness()
	r, _ := h.registrar("a", "a")
	require.NoError(t, r.Start(testCtx(t)))
	defer r.Stop(context.Background())

	first := r.Member()

	// the leader expires the session behind the member's back
	_, err := h.state.Apply(&types.ExpireCmd{Seq: first.Seq})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return r.Member().Seq > first.Seq
	}, time.Second, 10*time.Millisecond, "heartbeat should rejoin with a new seq")

	sess, ok := h.state.GetSession("a")
	require.True(t, ok)
	assert.Equal(t, r.Member(), sess.Member)
}

func TestRegistrarAddsVoterThroughPeers(t *testing.T) {
	h := newHarness()
	_, leaderNode := h.registrar("b", "b")
	h.registrar("c", "b")
	joiner, _ := h.registrar("a", "b", "c", "b")

	// c is a follower and refuses, b accepts
	require.NoError(t, joiner.Start(testCtx(t)))
	defer joiner.Stop(context.Background())

	leaderNode.mu.Lock()
	defer leaderNode.mu.Unlock()
	assert.Equal(t, map[types.MemberID]string{"a": "a:7401"}, leaderNode.voters)
}

func TestRegistrarStartRetriesUntilLeader(t *testing.T) {
	h := newHarness()
	r, node := h.registrar("a", "")

	go func() {
		time.Sleep(50 * time.Millisecond)
		node.mu.Lock()
		node.leader = "a"
		node.mu.Unlock()
	}()

	require.NoError(t, r.Start(testCtx(t)))
	defer r.Stop(context.Background())
	assert.Equal(t, uint64(1), r.Member().Seq)
}

func TestRegistrarStartGivesUp(t *testing.T) {
	h := newHarness()
	r, node := h.registrar("a", "a")
	node.setApplyErr(types.ErrNotLeader)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := r.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandleForwarded(t *testing.T) {
	h := newHarness()
	follower, _ := h.registrar("a", "b")
	ctx := testCtx(t)

	_, err := follower.HandleForwarded(ctx, "x", &types.JoinCmd{ID: "x", TTL: time.Second})
	assert.ErrorIs(t, err, types.ErrNotLeader)

	leader, _ := h.registrar("b", "b")
	_, err = leader.HandleForwarded(ctx, "x", &types.ExpireCmd{Seq: 1})
	assert.ErrorIs(t, err, types.ErrUnknownMessage, "expiry is never forwarded")

	_, err = leader.HandleForwarded(ctx, "x", &types.Ack{})
	assert.ErrorIs(t, err, types.ErrUnknownMessage)

	resp, err := leader.HandleForwarded(ctx, "x", &types.JoinCmd{ID: "x", Addr: "x", TTL: time.Second})
	require.NoError(t, err)
	assert.Equal(t, types.MemberID("x"), resp.(*types.JoinReply).Member.ID)
}
