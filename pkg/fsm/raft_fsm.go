package fsm

import (
	"encoding/json"
	"fmt"
	"io"
	tm "time"

	"github.com/hashicorp/raft"
	"github.com/pixperk/dlockd/pkg/codec"
	"github.com/pixperk/dlockd/pkg/types"
)

// adapter to bridge Raft FSM with our internal FSM
type RaftFSM struct {
	fsm *FSM
}

func NewRaftFSM(observer func(types.ViewEvent)) *RaftFSM {
	return &RaftFSM{
		fsm: NewFSM(observer),
	}
}

// the session state behind the adapter
func (rf *RaftFSM) State() *FSM {
	return rf.fsm
}

func (rf *RaftFSM) Apply(log *raft.Log) any {
	//s1 : decode the envelope from bytes
	msg, err := codec.Unmarshal(log.Data)
	if err != nil {
		return err
	}

	//s2 : only commands are replicated
	cmd, ok := msg.(types.Command)
	if !ok {
		return fmt.Errorf("%w: %s is not a command", types.ErrUnknownMessage, msg.Kind())
	}

	//s3 : apply command to FSM
	result, err := rf.fsm.Apply(cmd)
	if err != nil {
		return err
	}

	return result
}

// create a snapshot of the current FSM state
func (rf *RaftFSM) Snapshot() (raft.FSMSnapshot, error) {
	rf.fsm.mu.RLock()
	defer rf.fsm.mu.RUnlock()

	snapshot := &fsmSnapshot{
		Sessions: make([]snapshotSession, 0, len(rf.fsm.sessions)),
		NextSeq:  rf.fsm.nextSeq,
	}

	for _, sess := range rf.fsm.sessions {
		snapshot.Sessions = append(snapshot.Sessions, snapshotSession{
			Member: sess.Member,
			TTL:    sess.TTL,
		})
	}

	return snapshot, nil
}

// restores FSM state from snapshot
// when a node falls behind and needs to catch up or a new node joins
// restored sessions get a full ttl on this node's clock
func (rf *RaftFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(snapshot).Decode(&snap); err != nil {
		return err
	}

	f := rf.fsm
	f.mu.Lock()

	before := f.membersLocked()

	f.sessions = make(map[uint64]*types.Session, len(snap.Sessions))
	f.byMember = make(map[types.MemberID]uint64, len(snap.Sessions))
	for _, s := range snap.Sessions {
		f.sessions[s.Member.Seq] = &types.Session{
			Member:    s.Member,
			ExpiresAt: f.clock.ExpiresAt(s.TTL),
			TTL:       s.TTL,
		}
		f.byMember[s.Member.ID] = s.Member.Seq
	}
	f.nextSeq = snap.NextSeq

	events := diff(before, f.membersLocked())
	f.mu.Unlock()

	f.notify(events)
	return nil
}

// departures first, then joins, each ordered by seq
func diff(before, after []types.Member) []types.ViewEvent {
	inAfter := make(map[types.Member]bool, len(after))
	for _, m := range after {
		inAfter[m] = true
	}
	inBefore := make(map[types.Member]bool, len(before))
	for _, m := range before {
		inBefore[m] = true
	}

	var events []types.ViewEvent
	for _, m := range before {
		if !inAfter[m] {
			events = append(events, types.ViewEvent{Kind: types.MemberDeparted, Member: m})
		}
	}
	for _, m := range after {
		if !inBefore[m] {
			events = append(events, types.ViewEvent{Kind: types.MemberJoined, Member: m})
		}
	}
	return events
}

type snapshotSession struct {
	Member types.Member `json:"member"`
	TTL    tm.Duration  `json:"ttl"`
}

// point-in-time snapshot of FSM state
type fsmSnapshot struct {
	Sessions []snapshotSession `json:"sessions"`
	NextSeq  uint64            `json:"next_seq"`
}

// persist snapshot to given sink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel() //fail snapshot on error
		return err
	}
	return sink.Close() //mark snapshot as complete
}

// called when snapshot is no longer needed
// we have no resources to clean up here
func (s *fsmSnapshot) Release() {}
