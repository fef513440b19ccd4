package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pixperk/dlockd/pkg/codec"
	"github.com/pixperk/dlockd/pkg/types"
)

// Network is an in-process peer network
// every message goes through the wire codec, crashed members neither
// receive nor answer so callers wait out their context
type Network struct {
	mu        sync.RWMutex
	endpoints map[types.MemberID]*Endpoint
	crashed   map[types.MemberID]bool
	delay     time.Duration
}

func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[types.MemberID]*Endpoint),
		crashed:   make(map[types.MemberID]bool),
	}
}

// Endpoint returns the transport of id, creating it on first use
func (n *Network) Endpoint(id types.MemberID) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ep, ok := n.endpoints[id]; ok {
		return ep
	}
	ep := &Endpoint{net: n, id: id}
	n.endpoints[id] = ep
	return ep
}

// Crash silences id in both directions
func (n *Network) Crash(id types.MemberID) {
	n.mu.Lock()
	n.crashed[id] = true
	n.mu.Unlock()
}

func (n *Network) Restore(id types.MemberID) {
	n.mu.Lock()
	delete(n.crashed, id)
	n.mu.Unlock()
}

// SetDelay adds one-way latency to every message
func (n *Network) SetDelay(d time.Duration) {
	n.mu.Lock()
	n.delay = d
	n.mu.Unlock()
}

func (n *Network) route(from, to types.MemberID) (*Endpoint, time.Duration, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.crashed[from] || n.crashed[to] {
		return nil, 0, false
	}
	return n.endpoints[to], n.delay, true
}

type Endpoint struct {
	net *Network
	id  types.MemberID

	mu      sync.RWMutex
	handler Handler
}

func (e *Endpoint) LocalID() types.MemberID { return e.id }

func (e *Endpoint) Bind(h Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

func (e *Endpoint) Request(ctx context.Context, to types.MemberID, msg types.Message) (types.Message, error) {
	data, err := codec.Marshal(msg)
	if err != nil {
		return nil, err
	}

	dst, delay, ok := e.net.route(e.id, to)
	if !ok {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if dst == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrMemberUnreachable, to)
	}
	if err := sleep(ctx, delay); err != nil {
		return nil, err
	}

	dst.mu.RLock()
	h := dst.handler
	dst.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s has no handler", types.ErrMemberUnreachable, to)
	}

	in, err := codec.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	resp, herr := h(ctx, e.id, in)

	// the reply is lost if either side crashed meanwhile
	if _, _, ok := e.net.route(e.id, to); !ok {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := sleep(ctx, delay); err != nil {
		return nil, err
	}
	if herr != nil {
		return nil, herr
	}

	data, err = codec.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return codec.Unmarshal(data)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
