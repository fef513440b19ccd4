package dls

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pixperk/dlockd/pkg/metrics"
	"github.com/pixperk/dlockd/pkg/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type directoryEntry struct {
	grantor types.Member
	epoch   types.Epoch
}

// elder keeps the grantor directory while this member is the oldest
// a member that becomes elder rebuilds the directory from every live
// member before answering, so epochs keep growing across elders
type elder struct {
	m *Member

	mu         sync.Mutex
	active     bool
	ready      bool
	generation uint64
	entries    map[string]*directoryEntry

	rebuilding singleflight.Group
}

func newElder(m *Member) *elder {
	return &elder{m: m, entries: make(map[string]*directoryEntry)}
}

func (e *elder) setActive(active bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active == active {
		return
	}
	e.active = active
	e.ready = false
	e.generation++
	e.entries = make(map[string]*directoryEntry)
	if active {
		e.m.logger.Info().Msg("became elder")
	}
}

func (e *elder) onDeparted(id types.MemberID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for service, entry := range e.entries {
		if entry.grantor.ID == id {
			e.m.logger.Info().
				Str("service", service).
				Str("grantor", entry.grantor.String()).
				Uint64("epoch", uint64(entry.epoch)).
				Msg("grantor departed, service vacant")
			entry.grantor = types.Member{}
		}
	}
}

func (e *elder) handle(ctx context.Context, req *types.GrantorRequest) (*types.GrantorReply, error) {
	active := e.m.IsElder()
	e.setActive(active)
	if !active {
		return nil, types.ErrNotElder
	}
	if !e.m.view.Alive(req.Requester.ID) {
		return nil, fmt.Errorf("%w: %s is not in the elder's view", types.ErrElectionConflict, req.Requester.ID)
	}
	if err := e.ensureDirectory(ctx); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active || !e.ready {
		return nil, types.ErrNotElder
	}

	entry, ok := e.entries[req.Service]
	if !ok {
		entry = &directoryEntry{}
		e.entries[req.Service] = entry
	}
	if !entry.grantor.IsZero() && !e.m.view.Alive(entry.grantor.ID) {
		entry.grantor = types.Member{}
	}

	switch req.Op {
	case types.OpGet:
		if entry.grantor.IsZero() {
			return e.install(req, entry, types.Member{}), nil
		}
	case types.OpBecome:
		if entry.grantor.ID != req.Requester.ID {
			return e.install(req, entry, entry.grantor), nil
		}
	case types.OpClear:
		if entry.grantor.ID == req.Requester.ID && entry.epoch == req.Epoch {
			e.m.logger.Info().Str("service", req.Service).Uint64("epoch", uint64(entry.epoch)).Msg("grantor cleared")
			entry.grantor = types.Member{}
		}
	default:
		return nil, fmt.Errorf("unknown grantor op %q", req.Op)
	}

	return &types.GrantorReply{Service: req.Service, Grantor: entry.grantor, Epoch: entry.epoch}, nil
}

func (e *elder) install(req *types.GrantorRequest, entry *directoryEntry, previous types.Member) *types.GrantorReply {
	entry.epoch++
	entry.grantor = req.Requester
	metrics.GrantorElectionsTotal.WithLabelValues(req.Service, string(req.Op)).Inc()

	e.m.logger.Info().
		Str("service", req.Service).
		Str("grantor", entry.grantor.String()).
		Str("previous", previous.String()).
		Uint64("epoch", uint64(entry.epoch)).
		Msg("grantor installed")

	return &types.GrantorReply{
		Service:  req.Service,
		Grantor:  entry.grantor,
		Epoch:    entry.epoch,
		Previous: previous,
	}
}

func (e *elder) ensureDirectory(ctx context.Context) error {
	e.mu.Lock()
	ready := e.ready
	e.mu.Unlock()
	if ready {
		return nil
	}

	ch := e.rebuilding.DoChan("rebuild", func() (any, error) {
		return nil, e.rebuild()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rebuild asks every live member what it knows about grantors
// the directory keeps the highest epoch seen per service, and a grantor
// only if it claims that epoch itself
func (e *elder) rebuild() error {
	e.mu.Lock()
	generation := e.generation
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.m.cfg.RequestTimeout)
	defer cancel()

	members := e.m.view.Members()
	replies := make([]*types.GrantorInfoReply, len(members))

	var eg errgroup.Group
	for i, member := range members {
		i, member := i, member
		eg.Go(func() error {
			resp, err := e.m.request(ctx, member.ID, &types.GrantorInfoRequest{})
			if err != nil {
				e.m.logger.Warn().Err(err).Str("member", member.String()).Msg("member did not answer grantor info")
				return nil
			}
			if reply, ok := resp.(*types.GrantorInfoReply); ok {
				replies[i] = reply
			}
			return nil
		})
	}
	_ = eg.Wait()

	entries := make(map[string]*directoryEntry)
	claimed := make(map[string]types.Epoch)
	for i, reply := range replies {
		if reply == nil {
			continue
		}
		for _, info := range reply.Services {
			entry, ok := entries[info.Service]
			if !ok {
				entry = &directoryEntry{}
				entries[info.Service] = entry
			}
			if info.Epoch > entry.epoch {
				entry.epoch = info.Epoch
			}
			if info.IsSelf && info.Epoch >= claimed[info.Service] {
				claimed[info.Service] = info.Epoch
				entry.grantor = members[i]
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.generation != generation || !e.active {
		return types.ErrNotElder
	}
	for service, entry := range entries {
		if claimed[service] != entry.epoch || !e.m.view.Alive(entry.grantor.ID) {
			entry.grantor = types.Member{}
		}
	}
	e.entries = entries
	e.ready = true

	e.m.logger.Info().
		Int("members", len(members)).
		Int("services", len(entries)).
		Msg("grantor directory rebuilt")
	return nil
}

type DirectoryEntry struct {
	Service string       `json:"service"`
	Grantor types.Member `json:"grantor"`
	Epoch   types.Epoch  `json:"epoch"`
}

// directory lists the grantor directory, empty unless this member is
// elder and has rebuilt it
func (e *elder) directory() []DirectoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]DirectoryEntry, 0, len(e.entries))
	for service, entry := range e.entries {
		out = append(out, DirectoryEntry{Service: service, Grantor: entry.grantor, Epoch: entry.epoch})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
