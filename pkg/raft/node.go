// Package raft replicates member sessions with hashicorp/raft and exposes the
// result as a membership feed.
package raft

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/pixperk/dlockd/pkg/codec"
	"github.com/pixperk/dlockd/pkg/fsm"
	"github.com/pixperk/dlockd/pkg/logging"
	"github.com/pixperk/dlockd/pkg/membership"
	"github.com/pixperk/dlockd/pkg/metrics"
	"github.com/pixperk/dlockd/pkg/storage"
	"github.com/pixperk/dlockd/pkg/types"
	"github.com/rs/zerolog"
)

const (
	applyTimeout          = 5 * time.Second
	defaultExpiryInterval = 200 * time.Millisecond
)

// wraps a raft inst with the session fsm and provides a clean api
// Node is a membership.Feed: committed joins and departures are published
// to subscribers in log order
type Node struct {
	raft      *raft.Raft
	fsm       *fsm.FSM
	raftFSM   *fsm.RaftFSM
	hub       *membership.Hub
	stores    *storage.BoltDBStorage
	transport *raft.NetworkTransport
	cfg       *Config
	logger    zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type Config struct {
	NodeID    types.MemberID //unique ID for this node, shared with the lock service
	BindAddr  string         //net addr to bind Raft communication
	DataDir   string         //data directory for Raft storage
	Bootstrap bool           //if this is the first node in the cluster

	ExpiryInterval time.Duration //how often the leader looks for expired sessions

	Logger       zerolog.Logger
	RaftLogLevel string
}

func NewNode(cfg *Config) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = defaultExpiryInterval
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := cfg.Logger.With().Str("component", "raft").Logger()
	raftLogger := logging.RaftLogger(cfg.Logger, cfg.RaftLogLevel)

	hub := membership.NewHub()
	raftFSM := fsm.NewRaftFSM(hub.Publish)

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.Logger = raftLogger

	raftCfg.HeartbeatTimeout = 1000 * time.Millisecond
	raftCfg.ElectionTimeout = 1000 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond //time to wait before committing entries
	raftCfg.SnapshotThreshold = 8192              // snapshot after 8K log entries

	//add boltDB storage
	raftStorage, err := storage.NewBoltDBStorage(cfg.DataDir, raftLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create stores: %w", err)
	}

	//tcp transport for inter-node communication
	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		raftStorage.Close()
		return nil, fmt.Errorf("failed to resolve bind addr: %w", err)
	}
	//port 0 advertises whatever the listener picked
	var advertise net.Addr = addr
	if addr.Port == 0 {
		advertise = nil
	}

	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, advertise, 3, 10*time.Second, raftLogger)
	if err != nil {
		raftStorage.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	hasState, err := raftStorage.HasState()
	if err != nil {
		transport.Close()
		raftStorage.Close()
		return nil, fmt.Errorf("failed to inspect stores: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, raftFSM, raftStorage.LogStore, raftStorage.StableStore, raftStorage.SnapshotStore, transport)
	if err != nil {
		transport.Close()
		raftStorage.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	//bootstrap if needed, a restarted node already knows its cluster
	if cfg.Bootstrap && !hasState {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      raftCfg.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}

		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			logger.Warn().Err(err).Msg("bootstrap failed")
		}
	}

	n := &Node{
		raft:      r,
		fsm:       raftFSM.State(),
		raftFSM:   raftFSM,
		hub:       hub,
		stores:    raftStorage,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}

	n.wg.Add(1)
	go n.expiryLoop()

	logger.Info().
		Str("node_id", string(cfg.NodeID)).
		Str("raft_addr", string(transport.LocalAddr())).
		Bool("bootstrap", cfg.Bootstrap && !hasState).
		Msg("raft node started")

	return n, nil
}

// Subscribe implements membership.Feed
func (n *Node) Subscribe() (<-chan types.ViewEvent, func()) {
	return n.hub.Subscribe()
}

// apply a command to the Raft cluster
// the fsm's rejection comes back as the error
func (n *Node) Apply(cmd types.Command) (any, error) {
	data, err := codec.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	//replicate to cluster via Raft
	future := n.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, fmt.Errorf("%w: %v", types.ErrNotLeader, err)
		}
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok {
		return nil, err
	}
	return resp, nil
}

// adds a voter to the raft configuration, leader only
func (n *Node) AddVoter(id types.MemberID, raftAddr string) error {
	if !n.IsLeader() {
		return types.ErrNotLeader
	}
	future := n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(raftAddr), 0, applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter %s: %w", id, err)
	}
	n.logger.Info().Str("node_id", string(id)).Str("raft_addr", raftAddr).Msg("voter added")
	return nil
}

// returns true if this node is the leader
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// returns the leader's raft address
func (n *Node) GetLeader() string {
	leaderAddr, _ := n.raft.LeaderWithID()
	return string(leaderAddr)
}

// returns the leader's node id, empty while there is none
func (n *Node) LeaderID() types.MemberID {
	_, id := n.raft.LeaderWithID()
	return types.MemberID(id)
}

// the address raft peers reach this node at
func (n *Node) RaftAddr() string {
	return string(n.transport.LocalAddr())
}

// blocks until a leader is elected
func (n *Node) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeoutCh := time.After(timeout)

	for {
		select {
		case <-timeoutCh:
			return fmt.Errorf("no leader elected within timeout")
		case <-ticker.C:
			if n.GetLeader() != "" {
				return nil
			}
		}
	}
}

// returns the registered members ordered by join sequence
func (n *Node) Members() []types.Member {
	return n.fsm.Members()
}

// returns FSM statistics
func (n *Node) Stats() fsm.Stats {
	return n.fsm.Stats()
}

// the leader turns expired sessions into departures
// followers only refresh their gauges
func (n *Node) expiryLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.ExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
		}

		n.updateMetrics()
		if !n.IsLeader() {
			continue
		}

		for _, seq := range n.fsm.GetExpiredSessions(n.fsm.CurrentTime()) {
			result, err := n.Apply(&types.ExpireCmd{Seq: seq})
			if err != nil {
				if !errors.Is(err, types.ErrSessionNotFound) {
					n.logger.Warn().Err(err).Uint64("seq", seq).Msg("session expiry failed")
				}
				continue
			}
			metrics.SessionExpireTotal.Inc()
			if resp, ok := result.(fsm.RemoveResponse); ok {
				n.logger.Info().
					Str("member", string(resp.Member.ID)).
					Uint64("seq", seq).
					Msg("session expired")
			}
		}
	}
}

func (n *Node) updateMetrics() {
	metrics.RaftIsLeader.Set(metrics.Bool(n.IsLeader()))
	metrics.RaftAppliedIndex.Set(float64(n.raft.AppliedIndex()))
	metrics.SessionsActive.Set(float64(n.fsm.Stats().Sessions))

	future := n.raft.GetConfiguration()
	if err := future.Error(); err == nil {
		metrics.RaftPeers.Set(float64(len(future.Configuration().Servers)))
	}
}

// gracefully shuts down the Raft node and closes its stores
func (n *Node) Shutdown() error {
	var err error
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.wg.Wait()

		err = n.raft.Shutdown().Error()
		if cerr := n.transport.Close(); err == nil {
			err = cerr
		}
		if cerr := n.stores.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
