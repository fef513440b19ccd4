// Package dls is the distributed lock service.
//
// Every member can ask for named locks in a named service. Each service has
// one grantor at a time, picked by the elder (the oldest live member) and
// fenced by an epoch that grows with every new grantor. A new grantor asks
// all live members which locks they hold before it grants anything.
package dls

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pixperk/dlockd/pkg/membership"
	"github.com/pixperk/dlockd/pkg/metrics"
	"github.com/pixperk/dlockd/pkg/transport"
	"github.com/pixperk/dlockd/pkg/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/pixperk/dlockd/pkg/dls")

// Member is one process taking part in the lock service
type Member struct {
	id        types.MemberID
	cfg       Config
	view      *membership.View
	transport transport.Transport
	logger    zerolog.Logger
	elder     *elder

	mu       sync.Mutex
	services map[string]*Service
	closed   bool
}

func NewMember(cfg Config) (*Member, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	logger := cfg.Logger.With().Str("member", string(cfg.ID)).Logger()
	m := &Member{
		id:        cfg.ID,
		cfg:       cfg,
		transport: cfg.Transport,
		logger:    logger,
		services:  make(map[string]*Service),
	}
	m.elder = newElder(m)
	m.view = membership.NewView(cfg.Feed, logger)
	m.view.OnChange(m.onViewChange)
	m.transport.Bind(m.handle)

	return m, nil
}

func (m *Member) ID() types.MemberID { return m.id }

func (m *Member) View() *membership.View { return m.view }

// WaitReady blocks until this member sees itself in the view
func (m *Member) WaitReady(ctx context.Context) error {
	return m.view.Await(ctx, func(v *membership.View) bool { return v.Alive(m.id) })
}

// ElderID returns the oldest live member in this member's view
func (m *Member) ElderID() (types.MemberID, bool) {
	elder, ok := m.view.Elder()
	return elder.ID, ok
}

func (m *Member) IsElder() bool {
	elder, ok := m.view.Elder()
	return ok && elder.ID == m.id
}

// Service returns the named lock service, creating it on first use
func (m *Member) Service(name string) (*Service, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty service name", types.ErrInvalidLockName)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, types.ErrMemberClosed
	}
	if s, ok := m.services[name]; ok {
		return s, nil
	}
	s := newService(m, name)
	m.services[name] = s
	return s, nil
}

// LookupService returns the service only if it exists locally
func (m *Member) LookupService(name string) (*Service, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[name]
	return s, ok
}

// Services lists local service names
func (m *Member) Services() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Member) forget(s *Service) {
	m.mu.Lock()
	if m.services[s.name] == s {
		delete(m.services, s.name)
	}
	m.mu.Unlock()
}

// Close stops local grantors and leaves held locks to lease expiry or the
// departure of this member
func (m *Member) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	services := make([]*Service, 0, len(m.services))
	for _, s := range m.services {
		services = append(services, s)
	}
	m.mu.Unlock()

	for _, s := range services {
		s.shutdown()
	}
	m.view.Close()
	m.logger.Info().Msg("member closed")
	return nil
}

func (m *Member) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Member) selfMember() types.Member {
	if self, ok := m.view.Member(m.id); ok {
		return self
	}
	return types.Member{ID: m.id}
}

// request short-circuits messages to self
func (m *Member) request(ctx context.Context, to types.MemberID, msg types.Message) (types.Message, error) {
	if to == m.id {
		return m.handle(ctx, m.id, msg)
	}
	return m.transport.Request(ctx, to, msg)
}

func (m *Member) onViewChange(ev types.ViewEvent) {
	isElder := m.IsElder()
	m.elder.setActive(isElder)
	metrics.IsElder.Set(metrics.Bool(isElder))

	if ev.Kind != types.MemberDeparted {
		return
	}

	m.mu.Lock()
	services := make([]*Service, 0, len(m.services))
	for _, s := range m.services {
		services = append(services, s)
	}
	m.mu.Unlock()

	// the rest of the cluster released everything this member held and
	// vacated its grantor roles
	if ev.Member.ID == m.id {
		m.logger.Warn().Int("services", len(services)).Msg("left the view, dropping grantor roles and held locks")
		for _, s := range services {
			s.onSelfDeparted()
		}
		return
	}

	m.elder.onDeparted(ev.Member.ID)
	for _, s := range services {
		s.onDeparted(ev.Member.ID)
	}
}

// grantorInfo reports what this member knows about every local service
func (m *Member) grantorInfo() *types.GrantorInfoReply {
	m.mu.Lock()
	services := make([]*Service, 0, len(m.services))
	for _, s := range m.services {
		services = append(services, s)
	}
	m.mu.Unlock()

	reply := &types.GrantorInfoReply{}
	for _, s := range services {
		reply.Services = append(reply.Services, s.info())
	}
	return reply
}

// Directory is the grantor directory this member keeps as elder
func (m *Member) Directory() []DirectoryEntry {
	return m.elder.directory()
}
