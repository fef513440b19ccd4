package fsm

import (
	"fmt"
	"sort"
	"sync"

	tm "time"

	"github.com/pixperk/dlockd/pkg/time"
	"github.com/pixperk/dlockd/pkg/types"
)

// manages the replicated member sessions
// critical :
// - join sequence numbers are strictly monotonic and never reused
// - a member id maps to at most one live session
// - every join and departure is reported to the observer exactly once, in apply order
type FSM struct {
	mu sync.RWMutex

	sessions map[uint64]*types.Session // seq -> session
	byMember map[types.MemberID]uint64 // member id -> seq

	nextSeq uint64 // next join sequence to assign

	clock    *time.Clock // monotonic clock
	observer func(types.ViewEvent)
}

// observer is called outside the lock after each membership change, may be nil
func NewFSM(observer func(types.ViewEvent)) *FSM {
	return &FSM{
		sessions: make(map[uint64]*types.Session),
		byMember: make(map[types.MemberID]uint64),
		nextSeq:  1, //seq 0 marks the zero member
		clock:    time.NewClock(),
		observer: observer,
	}
}

// applies a command to the FSM and returns the result or error
func (f *FSM) Apply(cmd types.Command) (any, error) {
	f.mu.Lock()

	var (
		result any
		err    error
		events []types.ViewEvent
	)
	switch c := cmd.(type) {
	case *types.JoinCmd:
		result, events, err = f.applyJoin(c)
	case *types.RenewCmd:
		result, err = f.applyRenew(c)
	case *types.DepartCmd:
		result, events, err = f.applyRemove(c.Seq)
	case *types.ExpireCmd:
		result, events, err = f.applyRemove(c.Seq)
	default:
		err = fmt.Errorf("unknown command type: %T", cmd)
	}
	f.mu.Unlock()

	f.notify(events)
	return result, err
}

func (f *FSM) notify(events []types.ViewEvent) {
	if f.observer == nil {
		return
	}
	for _, ev := range events {
		f.observer(ev)
	}
}

// returned when a member joins
type JoinResponse struct {
	Member    types.Member
	ExpiresAt tm.Duration
}

func (f *FSM) applyJoin(cmd *types.JoinCmd) (any, []types.ViewEvent, error) {
	if cmd.TTL <= 0 {
		return nil, nil, types.ErrInvalidTTL
	}
	if cmd.ID == "" {
		return nil, nil, fmt.Errorf("join: empty member id")
	}

	//a retransmitted join keeps the existing session
	if seq, ok := f.byMember[cmd.ID]; ok {
		sess := f.sessions[seq]
		if !sess.IsExpired(f.clock.Elapsed()) && sess.Member.Addr == cmd.Addr {
			sess.ExpiresAt = f.clock.ExpiresAt(sess.TTL)
			return JoinResponse{Member: sess.Member, ExpiresAt: sess.ExpiresAt}, nil, nil
		}
	}

	//a stale session under the same id departs before the new one joins
	var events []types.ViewEvent
	if seq, ok := f.byMember[cmd.ID]; ok {
		events = append(events, f.removeLocked(seq))
	}

	member := types.Member{ID: cmd.ID, Addr: cmd.Addr, Seq: f.nextSeq}
	f.nextSeq++

	sess := &types.Session{
		Member:    member,
		ExpiresAt: f.clock.ExpiresAt(cmd.TTL),
		TTL:       cmd.TTL,
	}
	f.sessions[member.Seq] = sess
	f.byMember[member.ID] = member.Seq

	events = append(events, types.ViewEvent{Kind: types.MemberJoined, Member: member})
	return JoinResponse{Member: member, ExpiresAt: sess.ExpiresAt}, events, nil
}

// returned when a session is renewed
type RenewResponse struct {
	ExpiresAt tm.Duration
	TTL       tm.Duration
}

func (f *FSM) applyRenew(cmd *types.RenewCmd) (any, error) {
	sess, exists := f.sessions[cmd.Seq]
	if !exists {
		return nil, types.ErrSessionNotFound
	}

	//if already expired, cannot renew
	if sess.IsExpired(f.clock.Elapsed()) {
		return nil, types.ErrSessionExpired
	}

	sess.ExpiresAt = f.clock.ExpiresAt(sess.TTL)

	return RenewResponse{
		ExpiresAt: sess.ExpiresAt,
		TTL:       sess.TTL,
	}, nil
}

// returned when a session ends, by departure or expiry
type RemoveResponse struct {
	Member types.Member
}

func (f *FSM) applyRemove(seq uint64) (any, []types.ViewEvent, error) {
	if _, exists := f.sessions[seq]; !exists {
		return nil, nil, types.ErrSessionNotFound
	}
	ev := f.removeLocked(seq)
	return RemoveResponse{Member: ev.Member}, []types.ViewEvent{ev}, nil
}

func (f *FSM) removeLocked(seq uint64) types.ViewEvent {
	sess := f.sessions[seq]
	delete(f.sessions, seq)
	if f.byMember[sess.Member.ID] == seq {
		delete(f.byMember, sess.Member.ID)
	}
	return types.ViewEvent{Kind: types.MemberDeparted, Member: sess.Member}
}

// returns the session of a member
func (f *FSM) GetSession(id types.MemberID) (*types.Session, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	seq, ok := f.byMember[id]
	if !ok {
		return nil, false
	}
	sess := *f.sessions[seq]
	return &sess, true
}

// returns the registered members ordered by join sequence
func (f *FSM) Members() []types.Member {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.membersLocked()
}

func (f *FSM) membersLocked() []types.Member {
	out := make([]types.Member, 0, len(f.sessions))
	for _, sess := range f.sessions {
		out = append(out, sess.Member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// current fsm stats
type Stats struct {
	Sessions int
	NextSeq  uint64
}

func (f *FSM) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return Stats{
		Sessions: len(f.sessions),
		NextSeq:  f.nextSeq,
	}
}

// returns the seqs of all sessions that have expired
func (f *FSM) GetExpiredSessions(now tm.Duration) []uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var expired []uint64
	for seq, sess := range f.sessions {
		if sess.IsExpired(now) {
			expired = append(expired, seq)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })

	return expired
}

func (f *FSM) CurrentTime() tm.Duration {
	return f.clock.Elapsed()
}

// moves the session clock forward, used by tests to expire sessions
func (f *FSM) Advance(d tm.Duration) {
	f.clock.Advance(d)
}
