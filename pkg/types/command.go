package types

import "time"

// type of FSM command
type CommandType uint

const (
	CommandTypeJoin CommandType = iota + 1
	CommandTypeRenew
	CommandTypeDepart
	CommandTypeExpire
)

func (t CommandType) String() string {
	switch t {
	case CommandTypeJoin:
		return "join"
	case CommandTypeRenew:
		return "renew"
	case CommandTypeDepart:
		return "depart"
	case CommandTypeExpire:
		return "expire"
	default:
		return "unknown"
	}
}

// interface all FSM commands implement
// commands are messages too so they share the wire codec
type Command interface {
	Message
	Type() CommandType
}

// registers a member and opens its session
type JoinCmd struct {
	ID   MemberID      `json:"id"`
	Addr string        `json:"addr"`
	TTL  time.Duration `json:"ttl"`
}

func (*JoinCmd) Kind() MessageKind { return KindJoinCmd }
func (*JoinCmd) Type() CommandType { return CommandTypeJoin }

type JoinReply struct {
	Member Member `json:"member"`
}

func (*JoinReply) Kind() MessageKind { return KindJoinReply }

// renews an existing session
type RenewCmd struct {
	Seq uint64 `json:"seq"`
}

func (*RenewCmd) Kind() MessageKind { return KindRenewCmd }
func (*RenewCmd) Type() CommandType { return CommandTypeRenew }

type RenewReply struct {
	TTL time.Duration `json:"ttl"`
}

func (*RenewReply) Kind() MessageKind { return KindRenewReply }

// graceful leave
type DepartCmd struct {
	Seq uint64 `json:"seq"`
}

func (*DepartCmd) Kind() MessageKind { return KindDepartCmd }
func (*DepartCmd) Type() CommandType { return CommandTypeDepart }

// expires a session and removes the member (internal, leader only)
type ExpireCmd struct {
	Seq uint64 `json:"seq"`
}

func (*ExpireCmd) Kind() MessageKind { return KindExpireCmd }
func (*ExpireCmd) Type() CommandType { return CommandTypeExpire }

// asks the raft leader to add a voter, not replicated through the FSM
type AddVoterCmd struct {
	ID       MemberID `json:"id"`
	RaftAddr string   `json:"raft_addr"`
}

func (*AddVoterCmd) Kind() MessageKind { return KindAddVoterCmd }
