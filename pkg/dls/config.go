package dls

import (
	"errors"
	"time"

	"github.com/pixperk/dlockd/pkg/membership"
	ltime "github.com/pixperk/dlockd/pkg/time"
	"github.com/pixperk/dlockd/pkg/transport"
	"github.com/pixperk/dlockd/pkg/types"
	"github.com/rs/zerolog"
)

const (
	DefaultRequestTimeout  = 2 * time.Second
	DefaultRecoveryTimeout = 5 * time.Second
	DefaultSweepInterval   = 100 * time.Millisecond
	DefaultRetryBackoff    = 20 * time.Millisecond
)

type Config struct {
	// ID must match the id this process joins the feed with
	ID        types.MemberID
	Transport transport.Transport
	Feed      membership.Feed
	Logger    zerolog.Logger

	// bound for a single round trip, and for the whole attempt of a
	// lock that does not wait
	RequestTimeout time.Duration
	// members that do not answer recovery within this bound are
	// assumed to hold nothing
	RecoveryTimeout time.Duration
	SweepInterval   time.Duration
	RetryBackoff    time.Duration

	// serves message kinds the lock service does not know
	Fallback transport.Handler

	Clock *ltime.Clock
}

func (c *Config) validate() error {
	if c.ID == "" {
		return errors.New("member id is required")
	}
	if c.Transport == nil {
		return errors.New("transport is required")
	}
	if c.Feed == nil {
		return errors.New("membership feed is required")
	}
	if c.Transport.LocalID() != c.ID {
		return errors.New("transport id does not match member id")
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.Clock == nil {
		c.Clock = ltime.NewClock()
	}
}
