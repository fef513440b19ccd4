package membership

import (
	"sync"

	"github.com/pixperk/dlockd/pkg/types"
)

// LocalFeed is an in-process feed where joins and departures are driven
// directly, used by tests and single-process clusters
type LocalFeed struct {
	*Hub

	mu      sync.Mutex
	nextSeq uint64
}

func NewLocalFeed() *LocalFeed {
	return &LocalFeed{Hub: NewHub(), nextSeq: 1}
}

// Join admits id with the next join sequence
// joining twice returns the existing member
func (f *LocalFeed) Join(id types.MemberID, addr string) types.Member {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, m := range f.Hub.Members() {
		if m.ID == id {
			return m
		}
	}

	m := types.Member{ID: id, Addr: addr, Seq: f.nextSeq}
	f.nextSeq++
	f.Publish(types.ViewEvent{Kind: types.MemberJoined, Member: m})
	return m
}

// Depart removes id, the same path a crash or a graceful leave takes
func (f *LocalFeed) Depart(id types.MemberID) {
	f.Publish(types.ViewEvent{Kind: types.MemberDeparted, Member: types.Member{ID: id}})
}
