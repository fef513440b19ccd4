package storage

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

const retainSnapshots = 3

// BoltDBStorage wraps Raft's BoltDB storage components for the membership log
// logstore : stores the Raft log entries (join/renew/depart/expire commands)
// stablestore : stores stable Raft metadata [stable = survives restarts]
// snapshotstore : stores snapshots of the session table
type BoltDBStorage struct {
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore

	db *raftboltdb.BoltStore
}

// logger may be nil, raft then logs to stderr
func NewBoltDBStorage(dataDir string, logger hclog.Logger) (*BoltDBStorage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, "raft.db")

	//boltDB is used for both log and stable storage
	boltDB, err := raftboltdb.New(raftboltdb.Options{
		Path: dbPath,
	})

	if err != nil {
		return nil, err
	}

	//snapshot store (file-based)
	snapshotDir := filepath.Join(dataDir, "snapshots")
	var snapShotStore *raft.FileSnapshotStore
	if logger != nil {
		snapShotStore, err = raft.NewFileSnapshotStoreWithLogger(snapshotDir, retainSnapshots, logger)
	} else {
		snapShotStore, err = raft.NewFileSnapshotStore(snapshotDir, retainSnapshots, os.Stderr)
	}
	if err != nil {
		boltDB.Close()
		return nil, err
	}

	return &BoltDBStorage{
		LogStore:      boltDB,
		StableStore:   boltDB,
		SnapshotStore: snapShotStore,
		db:            boltDB,
	}, nil
}

// reports whether the stores already hold raft state
// a node with state must not bootstrap again
func (b *BoltDBStorage) HasState() (bool, error) {
	return raft.HasExistingState(b.LogStore, b.StableStore, b.SnapshotStore)
}

func (b *BoltDBStorage) Close() error {
	return b.db.Close()
}
