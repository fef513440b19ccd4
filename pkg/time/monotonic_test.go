package time

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClockElapsedMonotonic(t *testing.T) {
	c := NewClock()
	first := c.Elapsed()
	time.Sleep(time.Millisecond)
	assert.Greater(t, c.Elapsed(), first)
}

func TestClockExpiry(t *testing.T) {
	c := NewClock()

	at := c.ExpiresAt(time.Second)
	assert.False(t, c.Expired(at))
	assert.InDelta(t, float64(time.Second), float64(c.Remaining(at)), float64(100*time.Millisecond))

	c.Advance(2 * time.Second)
	assert.True(t, c.Expired(at))
	assert.Equal(t, time.Duration(0), c.Remaining(at))
}

func TestClockInfinite(t *testing.T) {
	c := NewClock()

	at := c.ExpiresAt(-1)
	assert.Equal(t, time.Duration(-1), at)

	c.Advance(time.Hour)
	assert.False(t, c.Expired(at))
	assert.Equal(t, time.Duration(-1), c.Remaining(at))
}
