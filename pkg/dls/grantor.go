package dls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pixperk/dlockd/pkg/metrics"
	"github.com/pixperk/dlockd/pkg/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// grantor is the local authority for one service at one epoch
type grantor struct {
	svc    *Service
	epoch  types.Epoch
	tokens *TokenManager
	logger zerolog.Logger

	ready    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newGrantor(svc *Service, epoch types.Epoch) *grantor {
	logger := svc.logger.With().Uint64("epoch", uint64(epoch)).Logger()
	return &grantor{
		svc:    svc,
		epoch:  epoch,
		tokens: NewTokenManager(svc.name, epoch, svc.m.cfg.Clock, logger),
		logger: logger,
		ready:  make(chan struct{}),
		stopCh: make(chan struct{}),
	}
}

// start recovers the lock table in the background
// previous is the live grantor being replaced, if any, and handoff the
// tokens of an older local grantor
func (g *grantor) start(previous types.Member, handoff []types.HeldLock) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.recover(previous, handoff)
	}()
}

func (g *grantor) recover(previous types.Member, handoff []types.HeldLock) {
	start := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-g.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ctx, span := tracer.Start(ctx, "dls.recover", trace.WithAttributes(
		attribute.String("service", g.svc.name),
		attribute.Int64("epoch", int64(g.epoch)),
	))
	defer span.End()

	g.logger.Info().Str("previous", previous.String()).Msg("recovering grantor state")

	handoff = append(handoff, g.deposePrevious(ctx, previous)...)

	collectCtx, cancelCollect := context.WithTimeout(ctx, g.svc.m.cfg.RecoveryTimeout)
	claims, err := g.collect(collectCtx)
	cancelCollect()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !g.stopped() {
			g.logger.Warn().Err(err).Msg("recovery aborted")
			g.svc.dropGrantor(g)
		}
		return
	}

	conflicts := g.tokens.Recover(claims, handoff)
	for _, c := range conflicts {
		metrics.RecoveryInconsistencyTotal.WithLabelValues(g.svc.name).Inc()
		span.RecordError(c)
		g.logger.Error().Err(c).Msg("lock claimed by several members")
	}

	took := time.Since(start)
	metrics.RecoveryDuration.WithLabelValues(g.svc.name).Observe(took.Seconds())
	metrics.GrantorEpoch.WithLabelValues(g.svc.name).Set(float64(g.epoch))

	if !g.svc.grantorReady(g) {
		return
	}
	close(g.ready)

	stats := g.tokens.Stats()
	g.logger.Info().
		Int("responders", len(claims)).
		Int("held", stats.Held).
		Int("conflicts", len(conflicts)).
		Dur("took", took).
		Msg("grantor ready")

	g.wg.Add(1)
	go g.sweepLoop()
}

// asks a live previous grantor to step down and hand over its tokens
func (g *grantor) deposePrevious(ctx context.Context, previous types.Member) []types.HeldLock {
	if previous.IsZero() || previous.ID == g.svc.m.id || !g.svc.m.view.Alive(previous.ID) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.svc.m.cfg.RequestTimeout)
	defer cancel()

	resp, err := g.svc.m.request(ctx, previous.ID, &types.DeposeRequest{
		Service:    g.svc.name,
		NewGrantor: g.svc.m.selfMember(),
		Epoch:      g.epoch,
	})
	if err != nil {
		g.logger.Warn().Err(err).Str("previous", previous.String()).Msg("previous grantor did not hand off")
		return nil
	}
	reply, ok := resp.(*types.DeposeReply)
	if !ok {
		return nil
	}
	g.logger.Info().Int("tokens", len(reply.Tokens)).Str("previous", previous.String()).Msg("previous grantor handed off")
	return reply.Tokens
}

// asks every live member which locks it holds
// a stale epoch answer means a newer grantor exists and aborts recovery
func (g *grantor) collect(ctx context.Context) (map[types.MemberID][]types.HeldLock, error) {
	var mu sync.Mutex
	claims := make(map[types.MemberID][]types.HeldLock)

	eg, ctx := errgroup.WithContext(ctx)
	req := &types.RecoveryRequest{
		Service:       g.svc.name,
		Grantor:       g.svc.m.selfMember(),
		Epoch:         g.epoch,
		PreviousEpoch: g.epoch - 1,
	}

	for _, member := range g.svc.m.view.Members() {
		member := member
		eg.Go(func() error {
			resp, err := g.svc.m.request(ctx, member.ID, req)
			if errors.Is(err, types.ErrStaleEpoch) {
				return fmt.Errorf("recovery answer from %s: %w", member.ID, err)
			}
			if err != nil {
				metrics.RecoverySilentTotal.WithLabelValues(g.svc.name).Inc()
				g.logger.Warn().Err(err).Str("member", member.String()).Msg("member did not answer recovery, assuming it holds nothing")
				return nil
			}
			reply, ok := resp.(*types.RecoveryReply)
			if !ok {
				return nil
			}

			mu.Lock()
			claims[member.ID] = reply.Held
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if g.stopped() {
		return nil, types.ErrGrantorChanged
	}
	return claims, nil
}

func (g *grantor) sweepLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.svc.m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := g.tokens.Sweep(); n > 0 {
				g.logger.Debug().Int("expired", n).Msg("swept expired leases")
			}
		case <-g.stopCh:
			return
		}
	}
}

func (g *grantor) stopped() bool {
	select {
	case <-g.stopCh:
		return true
	default:
		return false
	}
}

// depose stops granting and returns the held tokens
func (g *grantor) depose() []types.HeldLock {
	g.stopOnce.Do(func() { close(g.stopCh) })
	metrics.GrantorEpoch.WithLabelValues(g.svc.name).Set(0)
	return g.tokens.HandOff()
}

// waits for background work, call after depose
func (g *grantor) wait() {
	g.wg.Wait()
}
