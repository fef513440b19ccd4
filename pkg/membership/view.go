package membership

import (
	"context"
	"sort"
	"sync"

	"github.com/pixperk/dlockd/pkg/types"
	"github.com/rs/zerolog"
)

// View is one member's picture of the cluster, built from a feed
// listeners run on the view goroutine after the picture is updated,
// in feed order
type View struct {
	mu        sync.RWMutex
	members   map[types.MemberID]types.Member
	elder     types.Member
	listeners []func(types.ViewEvent)
	changed   chan struct{}

	cancel func()
	done   chan struct{}
	logger zerolog.Logger
}

func NewView(feed Feed, logger zerolog.Logger) *View {
	events, cancel := feed.Subscribe()
	v := &View{
		members: make(map[types.MemberID]types.Member),
		changed: make(chan struct{}),
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  logger,
	}
	go v.run(events)
	return v
}

func (v *View) run(events <-chan types.ViewEvent) {
	defer close(v.done)
	for ev := range events {
		v.apply(ev)
	}
}

func (v *View) apply(ev types.ViewEvent) {
	v.mu.Lock()
	switch ev.Kind {
	case types.MemberJoined:
		v.members[ev.Member.ID] = ev.Member
	case types.MemberDeparted:
		delete(v.members, ev.Member.ID)
	}
	prevElder := v.elder
	v.elder, _ = Elder(v.sortedLocked())
	listeners := append([]func(types.ViewEvent){}, v.listeners...)
	close(v.changed)
	v.changed = make(chan struct{})
	elder := v.elder
	v.mu.Unlock()

	v.logger.Debug().
		Str("event", ev.Kind.String()).
		Str("member", ev.Member.String()).
		Msg("view changed")
	if prevElder.ID != elder.ID {
		v.logger.Info().Str("elder", elder.String()).Msg("elder changed")
	}

	for _, fn := range listeners {
		fn(ev)
	}
}

// OnChange registers fn for every event applied after this call
func (v *View) OnChange(fn func(types.ViewEvent)) {
	v.mu.Lock()
	v.listeners = append(v.listeners, fn)
	v.mu.Unlock()
}

func (v *View) Elder() (types.Member, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.elder, !v.elder.IsZero()
}

func (v *View) Member(id types.MemberID) (types.Member, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	m, ok := v.members[id]
	return m, ok
}

func (v *View) Alive(id types.MemberID) bool {
	_, ok := v.Member(id)
	return ok
}

// Members returns live members ordered by join sequence
func (v *View) Members() []types.Member {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sortedLocked()
}

// Await blocks until cond holds or ctx is done
func (v *View) Await(ctx context.Context, cond func(*View) bool) error {
	for {
		v.mu.RLock()
		changed := v.changed
		v.mu.RUnlock()

		if cond(v) {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-v.done:
			return types.ErrMemberClosed
		}
	}
}

func (v *View) Close() {
	v.cancel()
	<-v.done
}

func (v *View) sortedLocked() []types.Member {
	out := make([]types.Member, 0, len(v.members))
	for _, m := range v.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
