package types

import "time"

// kind of a message exchanged between members
type MessageKind string

const (
	KindGrantorRequest   MessageKind = "grantor_request"
	KindGrantorReply     MessageKind = "grantor_reply"
	KindGrantorInfo      MessageKind = "grantor_info"
	KindGrantorInfoReply MessageKind = "grantor_info_reply"
	KindDeposeRequest    MessageKind = "depose_request"
	KindDeposeReply      MessageKind = "depose_reply"
	KindRecoveryRequest  MessageKind = "recovery_request"
	KindRecoveryReply    MessageKind = "recovery_reply"
	KindGrantRequest     MessageKind = "grant_request"
	KindGrantReply       MessageKind = "grant_reply"
	KindReleaseRequest   MessageKind = "release_request"
	KindReleaseReply     MessageKind = "release_reply"
	KindWithdrawRequest  MessageKind = "withdraw_request"
	KindWithdrawReply    MessageKind = "withdraw_reply"

	// registry commands forwarded to the raft leader
	KindJoinCmd     MessageKind = "join_cmd"
	KindJoinReply   MessageKind = "join_reply"
	KindRenewCmd    MessageKind = "renew_cmd"
	KindRenewReply  MessageKind = "renew_reply"
	KindDepartCmd   MessageKind = "depart_cmd"
	KindExpireCmd   MessageKind = "expire_cmd"
	KindAddVoterCmd MessageKind = "add_voter_cmd"
	KindAck         MessageKind = "ack"
)

// every message travelling over a transport implements this
type Message interface {
	Kind() MessageKind
}

type GrantorOp string

const (
	OpGet    GrantorOp = "get"
	OpBecome GrantorOp = "become"
	OpClear  GrantorOp = "clear"
)

// sent to the elder to look up, claim or clear the grantor of a service
type GrantorRequest struct {
	Service   string    `json:"service"`
	Op        GrantorOp `json:"op"`
	Requester Member    `json:"requester"`
	Epoch     Epoch     `json:"epoch,omitempty"` // for clear, the epoch being relinquished
}

func (*GrantorRequest) Kind() MessageKind { return KindGrantorRequest }

// Previous is set when the elder just installed a new grantor over a live one
type GrantorReply struct {
	Service  string `json:"service"`
	Grantor  Member `json:"grantor"`
	Epoch    Epoch  `json:"epoch"`
	Previous Member `json:"previous"`
}

func (*GrantorReply) Kind() MessageKind { return KindGrantorReply }

// sent by a new elder to rebuild the grantor directory
type GrantorInfoRequest struct{}

func (*GrantorInfoRequest) Kind() MessageKind { return KindGrantorInfo }

type ServiceInfo struct {
	Service string `json:"service"`
	Grantor Member `json:"grantor"`
	Epoch   Epoch  `json:"epoch"`
	IsSelf  bool   `json:"is_self"`
}

type GrantorInfoReply struct {
	Services []ServiceInfo `json:"services"`
}

func (*GrantorInfoReply) Kind() MessageKind { return KindGrantorInfoReply }

// sent by a new grantor to the live grantor it replaces
type DeposeRequest struct {
	Service    string `json:"service"`
	NewGrantor Member `json:"new_grantor"`
	Epoch      Epoch  `json:"epoch"`
}

func (*DeposeRequest) Kind() MessageKind { return KindDeposeRequest }

// the deposed grantor hands off its token table
type DeposeReply struct {
	Tokens []HeldLock `json:"tokens"`
}

func (*DeposeReply) Kind() MessageKind { return KindDeposeReply }

// PreviousEpoch is the epoch being replaced, a lock last reported under an
// older one was missed by that grantor's recovery
type RecoveryRequest struct {
	Service       string `json:"service"`
	Grantor       Member `json:"grantor"`
	Epoch         Epoch  `json:"epoch"`
	PreviousEpoch Epoch  `json:"previous_epoch"`
}

func (*RecoveryRequest) Kind() MessageKind { return KindRecoveryRequest }

type RecoveryReply struct {
	Held []HeldLock `json:"held"`
}

func (*RecoveryReply) Kind() MessageKind { return KindRecoveryReply }

type GrantRequest struct {
	Request LockRequest `json:"request"`
	Epoch   Epoch       `json:"epoch"`
}

func (*GrantRequest) Kind() MessageKind { return KindGrantRequest }

type GrantReply struct {
	Outcome   GrantOutcome  `json:"outcome"`
	Epoch     Epoch         `json:"epoch"`
	Remaining time.Duration `json:"remaining"`
}

func (*GrantReply) Kind() MessageKind { return KindGrantReply }

type ReleaseRequest struct {
	Service   string   `json:"service"`
	Name      string   `json:"name"`
	Holder    MemberID `json:"holder"`
	RequestID string   `json:"request_id"`
	Epoch     Epoch    `json:"epoch"`
}

func (*ReleaseRequest) Kind() MessageKind { return KindReleaseRequest }

type ReleaseReply struct {
	Epoch Epoch `json:"epoch"`
}

func (*ReleaseReply) Kind() MessageKind { return KindReleaseReply }

// cancels a queued request, or releases the lock if the grant won the race
type WithdrawRequest struct {
	Service   string `json:"service"`
	Name      string `json:"name"`
	RequestID string `json:"request_id"`
}

func (*WithdrawRequest) Kind() MessageKind { return KindWithdrawRequest }

type WithdrawReply struct {
	Released bool `json:"released"`
}

func (*WithdrawReply) Kind() MessageKind { return KindWithdrawReply }

// generic empty acknowledgement
type Ack struct{}

func (*Ack) Kind() MessageKind { return KindAck }
