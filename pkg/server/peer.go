// Package server serves and sends peer messages over gRPC.
//
// The peer protocol is a single unary method carrying codec envelopes, so the
// service descriptor is written by hand instead of generated.
package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/pixperk/dlockd/pkg/client"
	"github.com/pixperk/dlockd/pkg/codec"
	"github.com/pixperk/dlockd/pkg/metrics"
	"github.com/pixperk/dlockd/pkg/transport"
	"github.com/pixperk/dlockd/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName   = "dlock.v1.Peer"
	DeliverMethod = "/dlock.v1.Peer/Deliver"

	callerKey = "x-dlock-caller"
)

// PeerServer is the server API of the peer service
type PeerServer interface {
	Deliver(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PeerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dlock/v1/peer.proto",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: DeliverMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PeerServer).Deliver(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server hands inbound peer messages to the bound handler
type Server struct {
	mu      sync.RWMutex
	handler transport.Handler
	logger  zerolog.Logger
}

func NewServer(logger zerolog.Logger) *Server {
	return &Server{logger: logger.With().Str("component", "peer-server").Logger()}
}

func (s *Server) Bind(h transport.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// adds the peer service to gs
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

func (s *Server) Deliver(ctx context.Context, env *structpb.Struct) (*structpb.Struct, error) {
	msg, err := codec.Decode(env)
	if err != nil {
		metrics.PeerRequestsTotal.WithLabelValues("invalid", codes.InvalidArgument.String()).Inc()
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	kind := string(msg.Kind())

	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	if h == nil {
		metrics.PeerRequestsTotal.WithLabelValues(kind, codes.Unavailable.String()).Inc()
		return nil, status.Error(codes.Unavailable, "member is starting")
	}

	from := callerOf(ctx)
	resp, err := h(ctx, from, msg)
	if err != nil {
		s.logger.Debug().Err(err).Str("kind", kind).Str("from", string(from)).Msg("peer request failed")
		gerr := toGRPCError(err)
		metrics.PeerRequestsTotal.WithLabelValues(kind, status.Code(gerr).String()).Inc()
		return nil, gerr
	}

	out, err := codec.Encode(resp)
	if err != nil {
		metrics.PeerRequestsTotal.WithLabelValues(kind, codes.Internal.String()).Inc()
		return nil, status.Error(codes.Internal, err.Error())
	}
	metrics.PeerRequestsTotal.WithLabelValues(kind, codes.OK.String()).Inc()
	return out, nil
}

func callerOf(ctx context.Context) types.MemberID {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(callerKey); len(v) > 0 {
		return types.MemberID(v[0])
	}
	return ""
}

// Peer is a member's gRPC endpoint: inbound through Server, outbound
// through a conn pool
type Peer struct {
	id     types.MemberID
	server *Server
	pool   *client.Pool
}

var _ transport.Transport = (*Peer)(nil)

func NewPeer(id types.MemberID, server *Server, pool *client.Pool) *Peer {
	return &Peer{id: id, server: server, pool: pool}
}

func (p *Peer) LocalID() types.MemberID { return p.id }

func (p *Peer) Bind(h transport.Handler) { p.server.Bind(h) }

func (p *Peer) Request(ctx context.Context, to types.MemberID, msg types.Message) (types.Message, error) {
	conn, err := p.pool.Conn(to)
	if err != nil {
		return nil, err
	}
	env, err := codec.Encode(msg)
	if err != nil {
		return nil, err
	}

	ctx = metadata.AppendToOutgoingContext(ctx, callerKey, string(p.id))
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, DeliverMethod, env, out); err != nil {
		return nil, fmt.Errorf("%s to %s: %w", msg.Kind(), to, fromGRPCError(err))
	}
	return codec.Decode(out)
}

// drops the conn of a departed member
func (p *Peer) Forget(id types.MemberID) {
	p.pool.Forget(id)
}
