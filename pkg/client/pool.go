// Package client dials peer members over gRPC.
package client

import (
	"fmt"
	"sync"

	"github.com/pixperk/dlockd/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// maps a member id to its gRPC address
type Resolver func(id types.MemberID) (string, bool)

// resolves through each resolver in turn
func Chain(resolvers ...Resolver) Resolver {
	return func(id types.MemberID) (string, bool) {
		for _, r := range resolvers {
			if addr, ok := r(id); ok {
				return addr, true
			}
		}
		return "", false
	}
}

// resolves from a fixed id -> address table
func Static(peers map[string]string) Resolver {
	return func(id types.MemberID) (string, bool) {
		addr, ok := peers[string(id)]
		return addr, ok && addr != ""
	}
}

type peerConn struct {
	addr string
	conn *grpc.ClientConn
}

// Pool keeps one client conn per peer member
// a member that comes back under a new address gets a fresh conn
type Pool struct {
	resolve  Resolver
	dialOpts []grpc.DialOption

	mu     sync.Mutex
	conns  map[types.MemberID]*peerConn
	closed bool
}

// without options conns are plaintext
func NewPool(resolve Resolver, opts ...grpc.DialOption) *Pool {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &Pool{
		resolve:  resolve,
		dialOpts: opts,
		conns:    make(map[types.MemberID]*peerConn),
	}
}

// returns the conn for a member, dialing on first use
// grpc.NewClient connects lazily so this never blocks on the network
func (p *Pool) Conn(id types.MemberID) (*grpc.ClientConn, error) {
	addr, ok := p.resolve(id)
	if !ok {
		return nil, fmt.Errorf("%w: no address for %s", types.ErrMemberUnreachable, id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, types.ErrMemberClosed
	}

	if pc, ok := p.conns[id]; ok {
		if pc.addr == addr {
			return pc.conn, nil
		}
		pc.conn.Close()
		delete(p.conns, id)
	}

	conn, err := grpc.NewClient(addr, p.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", id, err)
	}
	p.conns[id] = &peerConn{addr: addr, conn: conn}
	return conn, nil
}

// drops the conn of a departed member
func (p *Pool) Forget(id types.MemberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, ok := p.conns[id]; ok {
		pc.conn.Close()
		delete(p.conns, id)
	}
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var firstErr error
	for id, pc := range p.conns {
		if err := pc.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.conns, id)
	}
	return firstErr
}
