package dls

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pixperk/dlockd/pkg/types"
)

// handle serves every inbound message for this member
func (m *Member) handle(ctx context.Context, from types.MemberID, msg types.Message) (types.Message, error) {
	if m.isClosed() {
		return nil, types.ErrMemberClosed
	}

	switch req := msg.(type) {
	case *types.GrantorRequest:
		return m.elder.handle(ctx, req)
	case *types.GrantorInfoRequest:
		return m.grantorInfo(), nil
	case *types.RecoveryRequest:
		// a member that never used the service holds nothing in it
		s, ok := m.LookupService(req.Service)
		if !ok {
			return &types.RecoveryReply{}, nil
		}
		return s.handleRecovery(req)
	case *types.DeposeRequest:
		s, ok := m.LookupService(req.Service)
		if !ok {
			return &types.DeposeReply{}, nil
		}
		return s.handleDepose(req)
	case *types.GrantRequest:
		s, ok := m.LookupService(req.Request.Service)
		if !ok {
			return nil, types.ErrGrantorChanged
		}
		return s.handleGrant(ctx, req)
	case *types.ReleaseRequest:
		s, ok := m.LookupService(req.Service)
		if !ok {
			return nil, types.ErrGrantorChanged
		}
		return s.handleRelease(ctx, req)
	case *types.WithdrawRequest:
		s, ok := m.LookupService(req.Service)
		if !ok {
			return &types.WithdrawReply{}, nil
		}
		return s.handleWithdraw(req), nil
	}

	if m.cfg.Fallback != nil {
		return m.cfg.Fallback(ctx, from, msg)
	}
	return nil, fmt.Errorf("%w: %s", types.ErrUnknownMessage, msg.Kind())
}

// handleRecovery answers a new grantor with the locks held here
// an older epoch is refused so a superseded grantor gives up
// a lock not reported to the previous grantor was given back by its
// recovery and is dropped instead of claimed again
func (s *Service) handleRecovery(req *types.RecoveryRequest) (*types.RecoveryReply, error) {
	s.mu.Lock()
	if req.Epoch < s.epoch {
		epoch := s.epoch
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: recovery at epoch %d, member knows %d", types.ErrStaleEpoch, req.Epoch, epoch)
	}

	var old *grantor
	if req.Epoch > s.epoch || s.grantor.ID != req.Grantor.ID {
		old = s.stepDownLocked(req.Epoch)
		s.grantor = req.Grantor
		s.epoch = req.Epoch
		s.cancelInflightLocked(func(f *inflight) bool { return f.epoch < req.Epoch })
		s.logger.Info().
			Str("grantor", req.Grantor.String()).
			Uint64("epoch", uint64(req.Epoch)).
			Msg("new grantor recovering")
	}
	if req.Grantor.ID != s.m.id {
		s.state = types.StateRecovering
	}
	var missed []string
	for name, h := range s.held {
		if h.epoch < req.PreviousEpoch {
			delete(s.held, name)
			missed = append(missed, name)
			continue
		}
		h.epoch = req.Epoch
	}
	held := s.heldLocked(time.Now())
	s.mu.Unlock()

	if len(missed) > 0 {
		sort.Strings(missed)
		s.logger.Warn().
			Strs("locks", missed).
			Uint64("previous_epoch", uint64(req.PreviousEpoch)).
			Msg("dropping locks missed by an earlier recovery")
	}
	if old != nil {
		s.logger.Warn().Uint64("epoch", uint64(old.epoch)).Msg("superseded as grantor")
		old.depose()
	}
	return &types.RecoveryReply{Held: held}, nil
}

// handleDepose retires the local grantor in favour of a newer one and
// hands its tokens over
func (s *Service) handleDepose(req *types.DeposeRequest) (*types.DeposeReply, error) {
	s.mu.Lock()
	if s.local != nil && s.local.epoch >= req.Epoch {
		epoch := s.local.epoch
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: depose at epoch %d, grantor is at %d", types.ErrStaleEpoch, req.Epoch, epoch)
	}
	old := s.stepDownLocked(req.Epoch)
	if req.Epoch > s.epoch {
		s.grantor = req.NewGrantor
		s.epoch = req.Epoch
		s.state = types.StateRecovering
		s.cancelInflightLocked(func(f *inflight) bool { return f.epoch < req.Epoch })
	}
	s.mu.Unlock()

	if old == nil {
		return &types.DeposeReply{}, nil
	}
	tokens := old.depose()
	s.logger.Info().
		Str("new_grantor", req.NewGrantor.String()).
		Int("tokens", len(tokens)).
		Msg("deposed, handing off tokens")
	return &types.DeposeReply{Tokens: tokens}, nil
}

// handleGrant blocks while the request is queued
// if the caller gives up the request is withdrawn
func (s *Service) handleGrant(ctx context.Context, req *types.GrantRequest) (*types.GrantReply, error) {
	g := s.localGrantor()
	if g == nil {
		return nil, types.ErrGrantorChanged
	}

	d, err := g.tokens.Grant(req.Request, req.Epoch)
	if err != nil {
		return nil, err
	}
	if d.Outcome != types.OutcomeQueued {
		return &types.GrantReply{Outcome: d.Outcome, Epoch: g.epoch, Remaining: d.Remaining}, nil
	}

	select {
	case res := <-d.Done:
		if res.err != nil {
			return nil, res.err
		}
		return &types.GrantReply{Outcome: res.outcome, Epoch: g.epoch, Remaining: res.remaining}, nil
	case <-ctx.Done():
		if g.tokens.Withdraw(req.Request.Name, req.Request.RequestID) {
			s.logger.Debug().Str("lock", req.Request.Name).Msg("released lock granted after requester gave up")
		}
		return nil, ctx.Err()
	}
}

func (s *Service) handleRelease(ctx context.Context, req *types.ReleaseRequest) (*types.ReleaseReply, error) {
	g := s.localGrantor()
	if g == nil {
		return nil, types.ErrGrantorChanged
	}
	if err := g.tokens.Release(ctx, req.Name, req.Holder, req.RequestID, req.Epoch); err != nil {
		return nil, err
	}
	return &types.ReleaseReply{Epoch: g.epoch}, nil
}

func (s *Service) handleWithdraw(req *types.WithdrawRequest) *types.WithdrawReply {
	g := s.localGrantor()
	if g == nil {
		return &types.WithdrawReply{}
	}
	return &types.WithdrawReply{Released: g.tokens.Withdraw(req.Name, req.RequestID)}
}
