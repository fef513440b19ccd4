package dls

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pixperk/dlockd/pkg/membership"
	"github.com/pixperk/dlockd/pkg/transport"
	"github.com/pixperk/dlockd/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testRequestTimeout  = 500 * time.Millisecond
	testRecoveryTimeout = 500 * time.Millisecond
)

// an in-process cluster sharing one feed and one network
type cluster struct {
	t       testing.TB
	feed    *membership.LocalFeed
	net     *transport.Network
	members []*Member
}

func newCluster(t testing.TB, n int) *cluster {
	t.Helper()
	c := &cluster{
		t:    t,
		feed: membership.NewLocalFeed(),
		net:  transport.NewNetwork(),
	}
	for i := 0; i < n; i++ {
		c.add()
	}
	c.settle()
	return c
}

func (c *cluster) add() *Member {
	c.t.Helper()

	id := types.MemberID(fmt.Sprintf("m-%d", len(c.members)))
	c.feed.Join(id, "")
	m, err := NewMember(Config{
		ID:              id,
		Transport:       c.net.Endpoint(id),
		Feed:            c.feed,
		Logger:          zerolog.Nop(),
		RequestTimeout:  testRequestTimeout,
		RecoveryTimeout: testRecoveryTimeout,
		SweepInterval:   10 * time.Millisecond,
		RetryBackoff:    5 * time.Millisecond,
	})
	require.NoError(c.t, err)
	c.t.Cleanup(func() { _ = m.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(c.t, m.WaitReady(ctx))

	c.members = append(c.members, m)
	return m
}

// settle waits until every live member sees the same live set
func (c *cluster) settle() {
	c.t.Helper()

	live := c.feed.Members()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, m := range c.members {
		if !c.isLive(m.ID(), live) {
			continue
		}
		err := m.View().Await(ctx, func(v *membership.View) bool {
			return len(v.Members()) == len(live)
		})
		require.NoError(c.t, err, "member %s did not settle", m.ID())
	}
}

func (c *cluster) isLive(id types.MemberID, live []types.Member) bool {
	for _, m := range live {
		if m.ID == id {
			return true
		}
	}
	return false
}

// crash silences member i and removes it from the view
func (c *cluster) crash(i int) {
	c.t.Helper()
	id := c.members[i].ID()
	c.net.Crash(id)
	c.feed.Depart(id)
	c.settle()
}

func (c *cluster) service(i int, name string) *Service {
	c.t.Helper()
	s, err := c.members[i].Service(name)
	require.NoError(c.t, err)
	return s
}

func testContext(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
