// Package membership delivers the ordered view of live cluster members.
//
// A Feed hands every subscriber the current members as join events followed by
// each later join and departure, in the same order for all subscribers.
package membership

import (
	"sort"
	"sync"

	"github.com/pixperk/dlockd/pkg/types"
)

type Feed interface {
	// Subscribe returns the event stream and a cancel func that closes it
	Subscribe() (<-chan types.ViewEvent, func())
}

// Hub fans view events out to subscribers and remembers the live set so
// late subscribers start from a snapshot
// a slow subscriber never blocks Publish, each one has its own queue
type Hub struct {
	mu      sync.Mutex
	members map[types.MemberID]types.Member
	subs    map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{
		members: make(map[types.MemberID]types.Member),
		subs:    make(map[*subscriber]struct{}),
	}
}

// Publish applies ev to the live set and forwards it
// duplicate joins and departures of unknown members are dropped
func (h *Hub) Publish(ev types.ViewEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch ev.Kind {
	case types.MemberJoined:
		if _, ok := h.members[ev.Member.ID]; ok {
			return
		}
		h.members[ev.Member.ID] = ev.Member
	case types.MemberDeparted:
		m, ok := h.members[ev.Member.ID]
		if !ok {
			return
		}
		delete(h.members, ev.Member.ID)
		ev.Member = m
	default:
		return
	}

	for s := range h.subs {
		s.push(ev)
	}
}

// Members returns the live set ordered by join sequence
func (h *Hub) Members() []types.Member {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sortedLocked()
}

func (h *Hub) Subscribe() (<-chan types.ViewEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := newSubscriber()
	for _, m := range h.sortedLocked() {
		s.push(types.ViewEvent{Kind: types.MemberJoined, Member: m})
	}
	h.subs[s] = struct{}{}
	go s.run()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s)
			h.mu.Unlock()
			s.close()
		})
	}
	return s.out, cancel
}

func (h *Hub) sortedLocked() []types.Member {
	out := make([]types.Member, 0, len(h.members))
	for _, m := range h.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []types.ViewEvent
	closed bool
	out    chan types.ViewEvent
	done   chan struct{}
}

func newSubscriber() *subscriber {
	s := &subscriber{
		out:  make(chan types.ViewEvent),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) push(ev types.ViewEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscriber) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
