// Package transport moves request/response messages between members.
package transport

import (
	"context"

	"github.com/pixperk/dlockd/pkg/types"
)

// Handler serves one inbound request
type Handler func(ctx context.Context, from types.MemberID, msg types.Message) (types.Message, error)

// Transport is a member's endpoint on the peer network
// Request blocks until the reply arrives or ctx is done, a lost message
// shows up as ctx expiry
type Transport interface {
	LocalID() types.MemberID
	Bind(h Handler)
	Request(ctx context.Context, to types.MemberID, msg types.Message) (types.Message, error)
}
