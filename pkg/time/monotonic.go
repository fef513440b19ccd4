package time

import (
	"sync/atomic"
	"time"
)

// clock provides monotonic time since process start
// time.Now is not monotonic and can go backwards if system time is changed
// we always move forward in monotonic time relative to a fixed start time
type Clock struct {
	startTime time.Time
	skew      atomic.Int64
}

func NewClock() *Clock {
	return &Clock{
		startTime: time.Now(),
	}
}

// duration since start, plus any skew added with Advance
func (c *Clock) Elapsed() time.Duration {
	return time.Since(c.startTime) + time.Duration(c.skew.Load())
}

// returns the expiration point given a TTL
// a negative ttl never expires
func (c *Clock) ExpiresAt(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return -1
	}
	return c.Elapsed() + ttl
}

// time left until expiresAt, never negative
// -1 is returned unchanged for points that never expire
func (c *Clock) Remaining(expiresAt time.Duration) time.Duration {
	if expiresAt < 0 {
		return -1
	}
	left := expiresAt - c.Elapsed()
	if left < 0 {
		return 0
	}
	return left
}

// reports whether expiresAt has passed
func (c *Clock) Expired(expiresAt time.Duration) bool {
	return expiresAt >= 0 && c.Elapsed() >= expiresAt
}

// moves the clock forward without waiting
func (c *Clock) Advance(d time.Duration) {
	c.skew.Add(int64(d))
}
