package types

import "fmt"

// identifier of a process in the cluster
type MemberID string

// a member as seen through the membership view
// Seq is the join order assigned by the view, lower means older
type Member struct {
	ID   MemberID `json:"id"`
	Addr string   `json:"addr,omitempty"`
	Seq  uint64   `json:"seq"`
}

func (m Member) IsZero() bool {
	return m.ID == ""
}

func (m Member) String() string {
	if m.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s#%d", m.ID, m.Seq)
}

type ViewEventKind int

const (
	MemberJoined ViewEventKind = iota + 1
	MemberDeparted
)

func (k ViewEventKind) String() string {
	switch k {
	case MemberJoined:
		return "joined"
	case MemberDeparted:
		return "departed"
	default:
		return "unknown"
	}
}

// a single membership change delivered by a feed
type ViewEvent struct {
	Kind   ViewEventKind
	Member Member
}
