package dls

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pixperk/dlockd/pkg/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

type heldLock struct {
	requestID string
	epoch     types.Epoch
	expiresAt time.Time // zero never expires
}

func (h *heldLock) expired(now time.Time) bool {
	return !h.expiresAt.IsZero() && !now.Before(h.expiresAt)
}

// a request on the wire to a grantor, cancelled when that grantor is
// replaced
type inflight struct {
	grantor types.MemberID
	epoch   types.Epoch
	cancel  context.CancelCauseFunc
}

// Service is one named lock service as seen from a member
// it proxies lock calls to the grantor and becomes the grantor when the
// elder picks this member
type Service struct {
	name   string
	m      *Member
	logger zerolog.Logger

	mu        sync.Mutex
	state     types.GrantorState
	grantor   types.Member
	epoch     types.Epoch // highest epoch seen for this service
	held      map[string]*heldLock
	inflight  map[uint64]*inflight
	nextCall  uint64
	local     *grantor
	destroyed bool
	gen       uint64 // bumped each time this member leaves the view

	resolving singleflight.Group
}

func newService(m *Member, name string) *Service {
	return &Service{
		name:     name,
		m:        m,
		logger:   m.logger.With().Str("service", name).Logger(),
		held:     make(map[string]*heldLock),
		inflight: make(map[uint64]*inflight),
	}
}

func (s *Service) Name() string { return s.name }

// Grantor returns the grantor this member currently believes in
func (s *Service) Grantor() (types.Member, types.Epoch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grantor, s.epoch
}

func (s *Service) State() types.GrantorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) IsGrantor() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local != nil
}

// IsHeld reports whether this member holds name
func (s *Service) IsHeld(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.held[name]
	return ok && !h.expired(time.Now())
}

func (s *Service) localGrantor() *grantor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Service) checkOpen() error {
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return types.ErrServiceDestroyed
	}
	if s.m.isClosed() {
		return types.ErrMemberClosed
	}
	return nil
}

// resolve returns the cached grantor while it is alive, otherwise asks
// the elder
func (s *Service) resolve(ctx context.Context) (types.Member, types.Epoch, error) {
	if err := s.checkOpen(); err != nil {
		return types.Member{}, 0, err
	}

	s.mu.Lock()
	grantor, epoch := s.grantor, s.epoch
	s.mu.Unlock()
	if !grantor.IsZero() && s.m.view.Alive(grantor.ID) {
		return grantor, epoch, nil
	}
	return s.elect(ctx, types.OpGet)
}

type electResult struct {
	grantor types.Member
	epoch   types.Epoch
}

// elect makes one round trip to the elder, shared by concurrent callers
func (s *Service) elect(ctx context.Context, op types.GrantorOp) (types.Member, types.Epoch, error) {
	ch := s.resolving.DoChan(string(op), func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.m.cfg.RequestTimeout)
		defer cancel()
		return s.askElder(ctx, op)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return types.Member{}, 0, res.Err
		}
		r := res.Val.(electResult)
		return r.grantor, r.epoch, nil
	case <-ctx.Done():
		return types.Member{}, 0, ctx.Err()
	}
}

func (s *Service) askElder(ctx context.Context, op types.GrantorOp) (electResult, error) {
	ctx, span := tracer.Start(ctx, "dls.elect", trace.WithAttributes(
		attribute.String("service", s.name),
		attribute.String("op", string(op)),
	))
	defer span.End()

	elder, ok := s.m.view.Elder()
	if !ok {
		return electResult{}, fmt.Errorf("%w: no live members", types.ErrNotElder)
	}
	self, ok := s.m.view.Member(s.m.id)
	if !ok {
		return electResult{}, fmt.Errorf("%w: %s has not joined the view", types.ErrElectionConflict, s.m.id)
	}

	s.mu.Lock()
	if s.state == types.StateVacant {
		s.state = types.StateElecting
	}
	s.mu.Unlock()

	resp, err := s.m.request(ctx, elder.ID, &types.GrantorRequest{
		Service:   s.name,
		Op:        op,
		Requester: self,
	})
	if err != nil {
		span.RecordError(err)
		s.mu.Lock()
		if s.state == types.StateElecting {
			s.state = types.StateVacant
		}
		s.mu.Unlock()
		return electResult{}, err
	}
	reply, ok := resp.(*types.GrantorReply)
	if !ok {
		return electResult{}, fmt.Errorf("%w: elder answered %s", types.ErrUnknownMessage, resp.Kind())
	}
	if reply.Grantor.IsZero() {
		return electResult{}, fmt.Errorf("%w: elder returned no grantor", types.ErrElectionConflict)
	}

	if reply.Grantor.ID == s.m.id {
		return s.install(reply)
	}
	return s.adopt(reply), nil
}

func (s *Service) adopt(reply *types.GrantorReply) electResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reply.Epoch >= s.epoch {
		if reply.Epoch > s.epoch || s.grantor.ID != reply.Grantor.ID {
			s.logger.Debug().
				Str("grantor", reply.Grantor.String()).
				Uint64("epoch", uint64(reply.Epoch)).
				Msg("grantor resolved")
		}
		s.grantor = reply.Grantor
		s.epoch = reply.Epoch
		if s.state != types.StateRecovering {
			s.state = types.StateReady
		}
	}
	return electResult{grantor: s.grantor, epoch: s.epoch}
}

// install makes this member the grantor for reply.Epoch and starts recovery
func (s *Service) install(reply *types.GrantorReply) (electResult, error) {
	s.mu.Lock()
	if s.local != nil && s.local.epoch >= reply.Epoch {
		r := electResult{grantor: s.grantor, epoch: s.local.epoch}
		s.mu.Unlock()
		return r, nil
	}
	if reply.Epoch < s.epoch {
		s.mu.Unlock()
		return electResult{}, fmt.Errorf("%w: elder installed epoch %d, already saw %d", types.ErrStaleEpoch, reply.Epoch, s.epoch)
	}
	if s.destroyed {
		s.mu.Unlock()
		return electResult{}, types.ErrServiceDestroyed
	}

	old := s.local
	g := newGrantor(s, reply.Epoch)
	s.local = g
	s.grantor = reply.Grantor
	s.epoch = reply.Epoch
	s.state = types.StateRecovering
	s.cancelInflightLocked(func(f *inflight) bool { return f.epoch < reply.Epoch })
	s.mu.Unlock()

	var handoff []types.HeldLock
	if old != nil {
		handoff = old.depose()
	}

	s.logger.Info().Uint64("epoch", uint64(reply.Epoch)).Msg("became grantor")
	g.start(reply.Previous, handoff)
	return electResult{grantor: reply.Grantor, epoch: reply.Epoch}, nil
}

// grantorReady flips the service to ready if g is still the local grantor
func (s *Service) grantorReady(g *grantor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != g {
		return false
	}
	s.state = types.StateReady
	return true
}

// dropGrantor forgets g after it found a newer grantor during recovery
func (s *Service) dropGrantor(g *grantor) {
	s.mu.Lock()
	if s.local == g {
		s.local = nil
		if s.grantor.ID == s.m.id && s.epoch == g.epoch {
			s.grantor = types.Member{}
			s.state = types.StateVacant
		}
	}
	s.mu.Unlock()
	g.depose()
}

// stepDownLocked retires a local grantor older than epoch
func (s *Service) stepDownLocked(epoch types.Epoch) *grantor {
	if s.local == nil || s.local.epoch >= epoch {
		return nil
	}
	old := s.local
	s.local = nil
	return old
}

func (s *Service) cancelInflightLocked(match func(*inflight) bool) {
	for _, f := range s.inflight {
		if match(f) {
			f.cancel(types.ErrGrantorChanged)
		}
	}
}

// invalidate drops the cached grantor after a failed call to it
func (s *Service) invalidate(grantor types.MemberID, epoch types.Epoch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grantor.ID == grantor && s.epoch == epoch && s.local == nil {
		s.grantor = types.Member{}
		s.state = types.StateVacant
	}
}

func (s *Service) onDeparted(id types.MemberID) {
	s.mu.Lock()
	if s.grantor.ID == id {
		s.logger.Info().Str("grantor", s.grantor.String()).Msg("grantor departed")
		s.grantor = types.Member{}
		s.state = types.StateVacant
		s.cancelInflightLocked(func(f *inflight) bool { return f.grantor == id })
	}
	g := s.local
	s.mu.Unlock()

	if g != nil {
		g.tokens.ReleaseMember(id)
	}
}

// onSelfDeparted forgets everything that only held while this member
// was in the view
func (s *Service) onSelfDeparted() {
	s.mu.Lock()
	g := s.local
	s.local = nil
	s.grantor = types.Member{}
	s.state = types.StateVacant
	s.gen++
	lost := len(s.held)
	s.held = make(map[string]*heldLock)
	s.cancelInflightLocked(func(*inflight) bool { return true })
	s.mu.Unlock()

	if g != nil {
		s.logger.Warn().Uint64("epoch", uint64(g.epoch)).Msg("no longer grantor after leaving the view")
		g.depose()
	}
	if lost > 0 {
		s.logger.Warn().Int("locks", lost).Msg("held locks lost after leaving the view")
	}
}

func (s *Service) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// call sends msg to the grantor and tracks it so a grantor change can
// cancel it
func (s *Service) call(ctx context.Context, grantor types.MemberID, epoch types.Epoch, msg types.Message) (types.Message, error) {
	callCtx, cancel := context.WithCancelCause(ctx)

	s.mu.Lock()
	id := s.nextCall
	s.nextCall++
	s.inflight[id] = &inflight{grantor: grantor, epoch: epoch, cancel: cancel}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
		cancel(nil)
	}()

	resp, err := s.m.request(callCtx, grantor, msg)
	if err != nil && ctx.Err() == nil {
		if cause := context.Cause(callCtx); cause != nil {
			return nil, cause
		}
	}
	return resp, err
}

// noteReady marks the service ready once the grantor of epoch answered
func (s *Service) noteReady(epoch types.Epoch) {
	s.mu.Lock()
	if s.epoch == epoch && s.state == types.StateRecovering && s.local == nil {
		s.state = types.StateReady
	}
	s.mu.Unlock()
}

func (s *Service) info() types.ServiceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.ServiceInfo{
		Service: s.name,
		Grantor: s.grantor,
		Epoch:   s.epoch,
		IsSelf:  s.local != nil,
	}
}

func (s *Service) heldLocked(now time.Time) []types.HeldLock {
	out := make([]types.HeldLock, 0, len(s.held))
	for name, h := range s.held {
		if h.expired(now) {
			delete(s.held, name)
			continue
		}
		remaining := types.Infinite
		if !h.expiresAt.IsZero() {
			remaining = h.expiresAt.Sub(now)
		}
		out = append(out, types.HeldLock{
			Name:      name,
			Holder:    s.m.id,
			RequestID: h.requestID,
			Remaining: remaining,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// shutdown stops local work without talking to peers
func (s *Service) shutdown() {
	s.mu.Lock()
	g := s.local
	s.local = nil
	s.destroyed = true
	s.cancelInflightLocked(func(*inflight) bool { return true })
	s.mu.Unlock()

	if g != nil {
		g.depose()
		g.wait()
	}
}

type HeldStatus struct {
	Name      string        `json:"name"`
	RequestID string        `json:"request_id"`
	Epoch     types.Epoch   `json:"epoch"`
	Remaining time.Duration `json:"remaining"`
}

type ServiceStatus struct {
	Service string       `json:"service"`
	State   string       `json:"state"`
	Grantor types.Member `json:"grantor"`
	Epoch   types.Epoch  `json:"epoch"`
	Held    []HeldStatus `json:"held"`
	Tokens  *TokenStats  `json:"tokens,omitempty"`
}

// Status is a diagnostic snapshot of the service on this member
func (s *Service) Status() ServiceStatus {
	s.mu.Lock()
	status := ServiceStatus{
		Service: s.name,
		State:   s.state.String(),
		Grantor: s.grantor,
		Epoch:   s.epoch,
	}
	now := time.Now()
	for _, h := range s.heldLocked(now) {
		status.Held = append(status.Held, HeldStatus{
			Name:      h.Name,
			RequestID: h.RequestID,
			Epoch:     s.held[h.Name].epoch,
			Remaining: h.Remaining,
		})
	}
	g := s.local
	s.mu.Unlock()

	if g != nil {
		stats := g.tokens.Stats()
		status.Tokens = &stats
	}
	return status
}

func (s *Service) backoff(ctx context.Context) error {
	t := time.NewTimer(s.m.cfg.RetryBackoff)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
