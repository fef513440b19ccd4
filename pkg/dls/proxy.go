package dls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pixperk/dlockd/pkg/metrics"
	"github.com/pixperk/dlockd/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Lock acquires name for this member
// wait bounds how long to wait for a held lock: types.Infinite waits
// forever and types.NoWait fails at once, still allowing one round trip
// to find the grantor
// lease bounds how long the grant lasts, zero or less never expires
// it returns false without an error when the lock could not be had in
// time
func (s *Service) Lock(ctx context.Context, name string, wait, lease time.Duration) (bool, error) {
	err := s.Acquire(ctx, name, wait, lease)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, types.ErrLockTimeout), errors.Is(err, types.ErrLockDenied):
		return false, nil
	default:
		return false, err
	}
}

// Acquire is Lock reporting why the lock was not obtained
func (s *Service) Acquire(ctx context.Context, name string, wait, lease time.Duration) error {
	if name == "" {
		return types.ErrInvalidLockName
	}

	ctx, span := tracer.Start(ctx, "dls.Lock", trace.WithAttributes(
		attribute.String("service", s.name),
		attribute.String("lock", name),
		attribute.Int64("wait_ms", wait.Milliseconds()),
	))
	defer span.End()

	start := time.Now()
	err := s.acquire(ctx, name, wait, lease)

	status := "granted"
	switch {
	case err == nil:
		metrics.LockAcquireDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
	case errors.Is(err, types.ErrLockTimeout):
		status = "timeout"
	case errors.Is(err, types.ErrLockDenied):
		status = "denied"
	default:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.LockAcquireTotal.WithLabelValues(s.name, status).Inc()
	span.SetAttributes(attribute.String("status", status))

	return err
}

func (s *Service) acquire(ctx context.Context, name string, wait, lease time.Duration) error {
	budget := wait
	if wait == types.NoWait {
		budget = s.m.cfg.RequestTimeout
	}
	if budget >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	for {
		grantor, epoch, err := s.resolve(ctx)
		if err != nil {
			if done := s.giveUp(ctx, err); done != nil {
				return done
			}
			continue
		}

		req := types.LockRequest{
			Service:   s.name,
			Name:      name,
			Requester: s.m.id,
			RequestID: uuid.NewString(),
			Wait:      wait,
			Lease:     lease,
		}
		gen := s.generation()
		resp, err := s.call(ctx, grantor.ID, epoch, &types.GrantRequest{Request: req, Epoch: epoch})
		if err != nil {
			if ctx.Err() != nil {
				s.withdraw(grantor.ID, name, req.RequestID)
			}
			if done := s.giveUp(ctx, err); done != nil {
				return done
			}
			s.invalidate(grantor.ID, epoch)
			continue
		}

		reply, ok := resp.(*types.GrantReply)
		if !ok {
			return fmt.Errorf("%w: grantor answered %s", types.ErrUnknownMessage, resp.Kind())
		}
		switch reply.Outcome {
		case types.OutcomeGranted:
			if !s.recordHeld(name, req.RequestID, reply.Epoch, reply.Remaining, gen) {
				s.logger.Warn().
					Str("lock", name).
					Uint64("epoch", uint64(reply.Epoch)).
					Msg("ignoring stale grant")
				s.withdraw(grantor.ID, name, req.RequestID)
				continue
			}
			s.noteReady(reply.Epoch)
			return nil
		case types.OutcomeDenied:
			s.noteReady(reply.Epoch)
			return fmt.Errorf("%w: %s/%s", types.ErrLockDenied, s.name, name)
		default:
			return fmt.Errorf("unexpected grant outcome %s", reply.Outcome)
		}
	}
}

// giveUp returns the error to stop with, or nil to retry after a backoff
func (s *Service) giveUp(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", types.ErrLockTimeout, err)
	}
	if !types.IsRetryable(err) && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Debug().Err(err).Msg("retrying against a new grantor")
	if s.backoff(ctx) != nil {
		return fmt.Errorf("%w: %v", types.ErrLockTimeout, err)
	}
	return nil
}

// recordHeld remembers a grant unless a newer grantor was seen since, or
// this member left the view after asking
func (s *Service) recordHeld(name, requestID string, epoch types.Epoch, remaining time.Duration, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch < s.epoch || gen != s.gen {
		return false
	}
	h := &heldLock{requestID: requestID, epoch: epoch}
	if remaining >= 0 {
		h.expiresAt = time.Now().Add(remaining)
	}
	s.held[name] = h
	return true
}

func (s *Service) forgetHeld(name, requestID string) {
	s.mu.Lock()
	if h, ok := s.held[name]; ok && h.requestID == requestID {
		delete(s.held, name)
	}
	s.mu.Unlock()
}

// withdraw tells the grantor to drop a request this member gave up on
func (s *Service) withdraw(grantor types.MemberID, name, requestID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.m.cfg.RequestTimeout)
		defer cancel()
		_, err := s.m.request(ctx, grantor, &types.WithdrawRequest{
			Service:   s.name,
			Name:      name,
			RequestID: requestID,
		})
		if err != nil {
			s.logger.Debug().Err(err).Str("lock", name).Msg("withdraw failed")
		}
	}()
}

// Unlock releases name
// releasing a lock this member does not hold returns ErrNotHeld and
// changes nothing
func (s *Service) Unlock(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "dls.Unlock", trace.WithAttributes(
		attribute.String("service", s.name),
		attribute.String("lock", name),
	))
	defer span.End()

	err := s.unlock(ctx, name)

	status := "released"
	switch {
	case err == nil:
	case errors.Is(err, types.ErrNotHeld):
		status = "not_held"
	default:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.LockReleaseTotal.WithLabelValues(s.name, status).Inc()
	return err
}

func (s *Service) unlock(ctx context.Context, name string) error {
	s.mu.Lock()
	h, ok := s.held[name]
	if ok && h.expired(time.Now()) {
		delete(s.held, name)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s/%s", types.ErrNotHeld, s.name, name)
	}

	// a release may wait for a recovering grantor
	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.m.cfg.RequestTimeout+s.m.cfg.RecoveryTimeout)
		defer cancel()
	}

	for {
		grantor, epoch, err := s.resolve(ctx)
		if err == nil {
			_, err = s.call(ctx, grantor.ID, epoch, &types.ReleaseRequest{
				Service:   s.name,
				Name:      name,
				Holder:    s.m.id,
				RequestID: h.requestID,
				Epoch:     epoch,
			})
			switch {
			case err == nil:
				s.forgetHeld(name, h.requestID)
				s.noteReady(epoch)
				return nil
			case errors.Is(err, types.ErrNotHeld):
				s.forgetHeld(name, h.requestID)
				return fmt.Errorf("%w: %s/%s", types.ErrNotHeld, s.name, name)
			}
			if ctx.Err() == nil {
				s.invalidate(grantor.ID, epoch)
			}
		}

		if ctx.Err() != nil {
			return fmt.Errorf("unlock %s/%s: %w", s.name, name, ctx.Err())
		}
		if !types.IsRetryable(err) && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("unlock %s/%s: %w", s.name, name, err)
		}
		if err := s.backoff(ctx); err != nil {
			return fmt.Errorf("unlock %s/%s: %w", s.name, name, err)
		}
	}
}

// BecomeLockGrantor moves grant authority for the service to this member
// the current grantor hands its tokens over, the call returns once this
// member is ready to grant
func (s *Service) BecomeLockGrantor(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "dls.BecomeLockGrantor", trace.WithAttributes(
		attribute.String("service", s.name),
	))
	defer span.End()

	for {
		if err := s.checkOpen(); err != nil {
			return err
		}
		grantor, _, err := s.elect(ctx, types.OpBecome)
		if err == nil && grantor.ID == s.m.id {
			break
		}
		if err == nil {
			err = fmt.Errorf("%w: elder kept %s", types.ErrElectionConflict, grantor)
		}
		if ctx.Err() != nil || !types.IsRetryable(err) {
			span.RecordError(err)
			return err
		}
		if err := s.backoff(ctx); err != nil {
			return err
		}
	}

	g := s.localGrantor()
	if g == nil {
		return types.ErrGrantorChanged
	}
	select {
	case <-g.ready:
		return nil
	case <-g.stopCh:
		return types.ErrGrantorChanged
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy releases every lock this member holds in the service, gives up
// grant authority and forgets the service locally
func (s *Service) Destroy(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.mu.Lock()
	names := make([]string, 0, len(s.held))
	for name := range s.held {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		if err := s.Unlock(ctx, name); err != nil && !errors.Is(err, types.ErrNotHeld) {
			s.logger.Warn().Err(err).Str("lock", name).Msg("release on destroy failed")
		}
	}

	s.mu.Lock()
	wasGrantor := s.local != nil
	epoch := s.epoch
	s.mu.Unlock()

	s.shutdown()
	s.m.forget(s)

	if wasGrantor {
		if elder, ok := s.m.view.Elder(); ok {
			_, err := s.m.request(ctx, elder.ID, &types.GrantorRequest{
				Service:   s.name,
				Op:        types.OpClear,
				Requester: s.m.selfMember(),
				Epoch:     epoch,
			})
			if err != nil {
				s.logger.Warn().Err(err).Msg("elder did not clear grantor")
			}
		}
	}

	s.logger.Info().Bool("was_grantor", wasGrantor).Msg("service destroyed")
	return nil
}
