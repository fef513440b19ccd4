package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/pixperk/dlockd/pkg/codec"
	"github.com/pixperk/dlockd/pkg/fsm"
	"github.com/pixperk/dlockd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T, dir string) *BoltDBStorage {
	t.Helper()
	stores, err := NewBoltDBStorage(dir, nil)
	require.NoError(t, err)
	return stores
}

func commandLog(t *testing.T, index uint64, cmd types.Command) *raft.Log {
	t.Helper()
	data, err := codec.Marshal(cmd)
	require.NoError(t, err)
	return &raft.Log{Index: index, Term: 1, Type: raft.LogCommand, Data: data}
}

func TestStorageLayout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "node-1")
	stores := openStores(t, dir)
	defer stores.Close()

	_, err := os.Stat(filepath.Join(dir, "raft.db"))
	assert.NoError(t, err)
	info, err := os.Stat(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLogStoreKeepsSessionCommands(t *testing.T) {
	stores := openStores(t, t.TempDir())
	defer stores.Close()

	cmds := []types.Command{
		&types.JoinCmd{ID: "m-1", Addr: "127.0.0.1:7400", TTL: 5 * time.Second},
		&types.RenewCmd{Seq: 1},
		&types.DepartCmd{Seq: 1},
	}
	logs := make([]*raft.Log, 0, len(cmds))
	for i, cmd := range cmds {
		logs = append(logs, commandLog(t, uint64(i+1), cmd))
	}
	require.NoError(t, stores.LogStore.StoreLogs(logs))

	last, err := stores.LogStore.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	var entry raft.Log
	require.NoError(t, stores.LogStore.GetLog(1, &entry))
	msg, err := codec.Unmarshal(entry.Data)
	require.NoError(t, err)
	join, ok := msg.(*types.JoinCmd)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, types.MemberID("m-1"), join.ID)
	assert.Equal(t, 5*time.Second, join.TTL)

	require.NoError(t, stores.LogStore.GetLog(3, &entry))
	msg, err = codec.Unmarshal(entry.Data)
	require.NoError(t, err)
	assert.Equal(t, types.KindDepartCmd, msg.Kind())

	// compaction after a snapshot drops the prefix
	require.NoError(t, stores.LogStore.DeleteRange(1, 2))
	first, err := stores.LogStore.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), first)
	assert.ErrorIs(t, stores.LogStore.GetLog(1, &entry), raft.ErrLogNotFound)
}

func TestStableStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	stores := openStores(t, dir)
	require.NoError(t, stores.StableStore.SetUint64([]byte("CurrentTerm"), 42))
	require.NoError(t, stores.StableStore.Set([]byte("LastVoteCand"), []byte("m-2")))
	require.NoError(t, stores.Close())

	stores = openStores(t, dir)
	defer stores.Close()

	term, err := stores.StableStore.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), term)

	cand, err := stores.StableStore.Get([]byte("LastVoteCand"))
	require.NoError(t, err)
	assert.Equal(t, "m-2", string(cand))
}

func TestSessionTableSnapshotRoundTrip(t *testing.T) {
	stores := openStores(t, t.TempDir())
	defer stores.Close()

	source := fsm.NewRaftFSM(nil)
	for i, cmd := range []types.Command{
		&types.JoinCmd{ID: "m-1", Addr: "127.0.0.1:7400", TTL: 5 * time.Second},
		&types.JoinCmd{ID: "m-2", Addr: "127.0.0.1:7410", TTL: 5 * time.Second},
		&types.JoinCmd{ID: "m-3", Addr: "127.0.0.1:7420", TTL: 5 * time.Second},
		&types.DepartCmd{Seq: 2},
	} {
		res := source.Apply(commandLog(t, uint64(i+1), cmd))
		_, failed := res.(error)
		require.False(t, failed, "command %d: %v", i, res)
	}

	snap, err := source.Snapshot()
	require.NoError(t, err)
	sink, err := stores.SnapshotStore.Create(raft.SnapshotVersionMax, 4, 1, raft.Configuration{}, 1, nil)
	require.NoError(t, err)
	require.NoError(t, snap.Persist(sink))

	metas, err := stores.SnapshotStore.List()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, uint64(4), metas[0].Index)

	_, rc, err := stores.SnapshotStore.Open(metas[0].ID)
	require.NoError(t, err)

	var events []types.ViewEvent
	restored := fsm.NewRaftFSM(func(ev types.ViewEvent) { events = append(events, ev) })
	require.NoError(t, restored.Restore(rc))

	members := restored.State().Members()
	require.Len(t, members, 2)
	assert.Equal(t, types.MemberID("m-1"), members[0].ID)
	assert.Equal(t, types.MemberID("m-3"), members[1].ID)
	assert.Equal(t, uint64(4), restored.State().Stats().NextSeq)
	assert.Len(t, events, 2, "restore announces every restored member")
}

func TestSnapshotRetention(t *testing.T) {
	stores := openStores(t, t.TempDir())
	defer stores.Close()

	for i := uint64(1); i <= retainSnapshots+2; i++ {
		sink, err := stores.SnapshotStore.Create(raft.SnapshotVersionMax, i*10, 1, raft.Configuration{}, 1, nil)
		require.NoError(t, err)
		_, err = sink.Write([]byte(`{"sessions":[],"next_seq":1}`))
		require.NoError(t, err)
		require.NoError(t, sink.Close())
	}

	metas, err := stores.SnapshotStore.List()
	require.NoError(t, err)
	require.Len(t, metas, retainSnapshots)
	assert.Equal(t, uint64((retainSnapshots+2)*10), metas[0].Index, "newest first")
}

func TestHasState(t *testing.T) {
	stores := openStores(t, t.TempDir())
	defer stores.Close()

	has, err := stores.HasState()
	require.NoError(t, err)
	assert.False(t, has, "fresh stores are empty")

	require.NoError(t, stores.LogStore.StoreLog(commandLog(t, 1, &types.JoinCmd{ID: "m-1", TTL: time.Second})))

	has, err = stores.HasState()
	require.NoError(t, err)
	assert.True(t, has, "a stored log entry counts as existing state")
}
