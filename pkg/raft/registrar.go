package raft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pixperk/dlockd/pkg/fsm"
	"github.com/pixperk/dlockd/pkg/metrics"
	"github.com/pixperk/dlockd/pkg/transport"
	"github.com/pixperk/dlockd/pkg/types"
	"github.com/rs/zerolog"
)

// the slice of Node the registrar needs
type Replicator interface {
	IsLeader() bool
	LeaderID() types.MemberID
	Apply(cmd types.Command) (any, error)
	AddVoter(id types.MemberID, raftAddr string) error
}

type RegistrarConfig struct {
	ID       types.MemberID
	Addr     string //peer address published in the view
	RaftAddr string
	TTL      time.Duration

	// asked in turn to add this node as a raft voter, empty when bootstrapping
	Peers []types.MemberID

	Transport      transport.Transport
	RequestTimeout time.Duration
	RetryBackoff   time.Duration
	Logger         zerolog.Logger
}

// Registrar keeps this node's session alive in the replicated view
// commands go to the raft leader, directly when local, otherwise over the
// peer transport
type Registrar struct {
	node   Replicator
	cfg    RegistrarConfig
	logger zerolog.Logger

	mu     sync.Mutex
	member types.Member

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRegistrar(node Replicator, cfg RegistrarConfig) *Registrar {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	return &Registrar{
		node:   node,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "registrar").Logger(),
		stopCh: make(chan struct{}),
	}
}

// Start joins the raft cluster through the configured peers, opens the
// session and starts heartbeating, it retries until ctx is done
func (r *Registrar) Start(ctx context.Context) error {
	if r.cfg.TTL <= 0 {
		return types.ErrInvalidTTL
	}
	if len(r.cfg.Peers) > 0 {
		if err := r.retry(ctx, "add voter", r.addVoter); err != nil {
			return err
		}
	}
	if err := r.retry(ctx, "join", r.join); err != nil {
		return err
	}

	r.wg.Add(1)
	go r.heartbeatLoop()
	return nil
}

// the member this node is registered as, zero before Start
func (r *Registrar) Member() types.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.member
}

func (r *Registrar) retry(ctx context.Context, what string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		r.logger.Debug().Err(err).Int("attempt", attempt).Msgf("%s failed, retrying", what)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w (last error: %v)", what, ctx.Err(), err)
		case <-r.stopCh:
			return types.ErrMemberClosed
		case <-time.After(r.cfg.RetryBackoff):
		}
	}
}

func (r *Registrar) addVoter(ctx context.Context) error {
	cmd := &types.AddVoterCmd{ID: r.cfg.ID, RaftAddr: r.cfg.RaftAddr}

	var lastErr error
	for _, peer := range r.cfg.Peers {
		if peer == r.cfg.ID {
			continue
		}
		reqCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
		_, err := r.cfg.Transport.Request(reqCtx, peer, cmd)
		cancel()
		if err == nil {
			r.logger.Info().Str("via", string(peer)).Msg("joined raft cluster")
			return nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no peers to join through")
	}
	return lastErr
}

func (r *Registrar) join(ctx context.Context) error {
	resp, err := r.submit(ctx, &types.JoinCmd{ID: r.cfg.ID, Addr: r.cfg.Addr, TTL: r.cfg.TTL})
	if err != nil {
		return err
	}
	reply, ok := resp.(*types.JoinReply)
	if !ok {
		return fmt.Errorf("join: unexpected reply %s", resp.Kind())
	}

	r.mu.Lock()
	r.member = reply.Member
	r.mu.Unlock()

	metrics.SessionJoinTotal.Inc()
	r.logger.Info().Uint64("seq", reply.Member.Seq).Dur("ttl", r.cfg.TTL).Msg("session opened")
	return nil
}

func (r *Registrar) renew(ctx context.Context) error {
	seq := r.Member().Seq
	if _, err := r.submit(ctx, &types.RenewCmd{Seq: seq}); err != nil {
		return err
	}
	metrics.SessionRenewTotal.Inc()
	return nil
}

func (r *Registrar) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.TTL / 3)
	defer ticker.Stop()

	var failureCount int

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
			err := r.renew(ctx)

			//the session is gone, we departed, come back as a new member
			if errors.Is(err, types.ErrSessionNotFound) || errors.Is(err, types.ErrSessionExpired) {
				r.logger.Warn().Uint64("seq", r.Member().Seq).Msg("session lost, rejoining")
				err = r.join(ctx)
				if err == nil {
					metrics.HeartbeatTotal.WithLabelValues("rejoined").Inc()
				}
			}
			cancel()

			if err != nil {
				failureCount++
				metrics.HeartbeatTotal.WithLabelValues("failed").Inc()
				r.logger.Warn().Err(err).Int("attempt", failureCount).Msg("heartbeat failed")
				if failureCount >= 2 {
					r.logger.Error().Uint64("seq", r.Member().Seq).Msg("session may expire soon, heartbeat failing")
				}
				continue
			}

			// Reset failure count on success
			metrics.HeartbeatTotal.WithLabelValues("ok").Inc()
			if failureCount > 0 {
				r.logger.Info().Int("failures", failureCount).Msg("heartbeat recovered")
				failureCount = 0
			}

		case <-r.stopCh:
			return
		}
	}
}

// Stop ends the heartbeat and departs gracefully
func (r *Registrar) Stop(ctx context.Context) error {
	var err error
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()

		m := r.Member()
		if m.IsZero() {
			return
		}
		if _, err = r.submit(ctx, &types.DepartCmd{Seq: m.Seq}); err != nil {
			r.logger.Warn().Err(err).Msg("depart failed, session will expire")
			return
		}
		r.logger.Info().Uint64("seq", m.Seq).Msg("session closed")
	})
	return err
}

func (r *Registrar) submit(ctx context.Context, cmd types.Command) (types.Message, error) {
	if r.node.IsLeader() {
		return r.apply(cmd)
	}
	leader := r.node.LeaderID()
	if leader == "" || leader == r.cfg.ID {
		return nil, types.ErrNotLeader
	}
	return r.cfg.Transport.Request(ctx, leader, cmd)
}

func (r *Registrar) apply(cmd types.Command) (types.Message, error) {
	result, err := r.node.Apply(cmd)
	if err != nil {
		return nil, err
	}
	switch resp := result.(type) {
	case fsm.JoinResponse:
		return &types.JoinReply{Member: resp.Member}, nil
	case fsm.RenewResponse:
		return &types.RenewReply{TTL: resp.TTL}, nil
	default:
		return &types.Ack{}, nil
	}
}

// HandleForwarded serves registry commands sent by other nodes
// only the leader applies them, nothing is forwarded a second time
func (r *Registrar) HandleForwarded(ctx context.Context, from types.MemberID, msg types.Message) (types.Message, error) {
	switch m := msg.(type) {
	case *types.AddVoterCmd:
		if err := r.node.AddVoter(m.ID, m.RaftAddr); err != nil {
			return nil, err
		}
		return &types.Ack{}, nil
	case *types.ExpireCmd:
		return nil, fmt.Errorf("%w: expiry is leader internal", types.ErrUnknownMessage)
	case types.Command:
		if !r.node.IsLeader() {
			return nil, types.ErrNotLeader
		}
		r.logger.Debug().Str("from", string(from)).Str("kind", string(m.Kind())).Msg("applying forwarded command")
		return r.apply(m)
	default:
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownMessage, msg.Kind())
	}
}
