package fsm

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/pixperk/dlockd/pkg/codec"
	"github.com/pixperk/dlockd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRaftFSMApply tests that Apply works with the wire codec
func TestRaftFSMApply(t *testing.T) {
	raftFSM := NewRaftFSM(nil)

	// Serialize to bytes (what Raft does)
	data, err := codec.Marshal(&types.JoinCmd{ID: "node-a", Addr: "a:7400", TTL: 10 * time.Second})
	require.NoError(t, err)

	// Create a Raft log entry
	logEntry := &raft.Log{
		Index: 1,
		Term:  1,
		Type:  raft.LogCommand,
		Data:  data,
	}

	result := raftFSM.Apply(logEntry)

	resp, ok := result.(JoinResponse)
	require.True(t, ok, "expected JoinResponse, got %v", result)
	assert.Equal(t, uint64(1), resp.Member.Seq)

	sess, exists := raftFSM.State().GetSession("node-a")
	require.True(t, exists)
	assert.Equal(t, "a:7400", sess.Member.Addr)
}

// TestRaftFSMApplyErrors tests that failures come back as the log response
func TestRaftFSMApplyErrors(t *testing.T) {
	raftFSM := NewRaftFSM(nil)

	data, err := codec.Marshal(&types.RenewCmd{Seq: 42})
	require.NoError(t, err)
	result := raftFSM.Apply(&raft.Log{Data: data})
	assert.ErrorIs(t, result.(error), types.ErrSessionNotFound)

	// a peer message is not a command
	data, err = codec.Marshal(&types.Ack{})
	require.NoError(t, err)
	result = raftFSM.Apply(&raft.Log{Data: data})
	assert.ErrorIs(t, result.(error), types.ErrUnknownMessage)

	result = raftFSM.Apply(&raft.Log{Data: []byte("garbage")})
	_, isErr := result.(error)
	assert.True(t, isErr)
}

// TestRaftFSMSnapshot tests snapshot creation
func TestRaftFSMSnapshot(t *testing.T) {
	raftFSM := NewRaftFSM(nil)

	join(t, raftFSM.fsm, "node-a")
	join(t, raftFSM.fsm, "node-b")

	snapshot, err := raftFSM.Snapshot()
	require.NoError(t, err)

	fsmSnap := snapshot.(*fsmSnapshot)
	assert.Equal(t, 2, len(fsmSnap.Sessions))
	assert.Equal(t, uint64(3), fsmSnap.NextSeq) // Next would be 3
}

// TestRaftFSMRestore tests restoring from snapshot and the events it reports
func TestRaftFSMRestore(t *testing.T) {
	original := NewRaftFSM(nil)
	a := join(t, original.fsm, "node-a")
	b := join(t, original.fsm, "node-b")

	snapshot, err := original.Snapshot()
	require.NoError(t, err)

	var buf bytes.Buffer
	mockSink := &mockSnapshotSink{buffer: &buf}
	require.NoError(t, snapshot.Persist(mockSink))

	// the restoring node knows a member the snapshot has already dropped
	rec := &recorder{}
	restored := NewRaftFSM(rec.observe)
	stale := join(t, restored.fsm, "node-z")
	rec.events = nil

	require.NoError(t, restored.Restore(io.NopCloser(&buf)))

	assert.Equal(t, []types.Member{a, b}, restored.fsm.Members())
	require.Len(t, rec.events, 3)
	assert.Equal(t, types.ViewEvent{Kind: types.MemberDeparted, Member: stale}, rec.events[0])
	assert.Equal(t, types.ViewEvent{Kind: types.MemberJoined, Member: a}, rec.events[1])
	assert.Equal(t, types.ViewEvent{Kind: types.MemberJoined, Member: b}, rec.events[2])

	// seq numbering continues after the snapshot
	c := join(t, restored.fsm, "node-c")
	assert.Equal(t, uint64(3), c.Seq)
}

// mockSnapshotSink implements raft.SnapshotSink for testing
type mockSnapshotSink struct {
	buffer *bytes.Buffer
}

func (m *mockSnapshotSink) Write(p []byte) (n int, err error) {
	return m.buffer.Write(p)
}

func (m *mockSnapshotSink) Close() error {
	return nil
}

func (m *mockSnapshotSink) ID() string {
	return "mock-snapshot"
}

func (m *mockSnapshotSink) Cancel() error {
	return nil
}
