package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestPolicy(base time.Duration) (*RestartPolicy, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return NewRestartPolicy(base).WithClock(clock.now), clock
}

func TestFreshPolicyCanRestart(t *testing.T) {
	p, _ := newTestPolicy(time.Second)
	assert.True(t, p.CanRestartNow())
	assert.Equal(t, 0, p.Attempts())
	assert.False(t, p.Pending())
	assert.Equal(t, time.Second, p.Window())
}

func TestBackoffGrowsQuadratically(t *testing.T) {
	base := 100 * time.Millisecond
	for n := 0; n < 5; n++ {
		p, clock := newTestPolicy(base)
		p.attempts = n
		p.lastRestartAt = clock.t
		window := base * time.Duration((n+1)*(n+1))
		require.Equal(t, window, p.Window(), "attempts=%d", n)

		clock.advance(window - time.Nanosecond)
		assert.False(t, p.CanRestartNow(), "attempts=%d before window", n)
		clock.advance(time.Nanosecond)
		assert.True(t, p.CanRestartNow(), "attempts=%d at window", n)
	}
}

func TestRecordRestartIncrementsAttempts(t *testing.T) {
	p, clock := newTestPolicy(time.Second)
	p.RecordRestart()
	assert.Equal(t, 1, p.Attempts())
	assert.Equal(t, clock.t, p.LastRestartAt())
	assert.False(t, p.CanRestartNow())

	// window after one restart is base*(1+1)^2
	clock.advance(4 * time.Second)
	assert.True(t, p.CanRestartNow())
	p.RecordRestart()
	assert.Equal(t, 2, p.Attempts())
	assert.Equal(t, 9*time.Second, p.Window())
}

func TestRequestCollapses(t *testing.T) {
	p, _ := newTestPolicy(time.Second)
	p.Request()
	p.Request()
	assert.True(t, p.Pending())
	p.Clear()
	assert.False(t, p.Pending())
}

func TestSettleResetsAfterQuietWindow(t *testing.T) {
	p, clock := newTestPolicy(time.Second)
	p.RecordRestart()
	p.RecordRestart()
	require.Equal(t, 2, p.Attempts())

	// still inside the 9s window
	clock.advance(5 * time.Second)
	assert.False(t, p.Settle())
	assert.Equal(t, 2, p.Attempts())

	clock.advance(4 * time.Second)
	assert.True(t, p.Settle())
	assert.Equal(t, 0, p.Attempts())
	assert.True(t, p.LastRestartAt().IsZero())

	// next crash is treated like the first one
	p.RecordRestart()
	assert.Equal(t, 1, p.Attempts())
	assert.Equal(t, 4*time.Second, p.Window())
}

func TestSettleKeepsHistoryWhilePending(t *testing.T) {
	p, clock := newTestPolicy(time.Second)
	p.RecordRestart()
	p.Request()
	clock.advance(time.Hour)
	assert.False(t, p.Settle())
	assert.Equal(t, 1, p.Attempts())
}

func TestSettleOnFreshPolicyIsNoop(t *testing.T) {
	p, _ := newTestPolicy(time.Second)
	assert.False(t, p.Settle())
}

func TestWindowSaturates(t *testing.T) {
	p, _ := newTestPolicy(time.Hour)
	p.attempts = 1 << 40
	assert.Equal(t, time.Duration(1<<63-1), p.Window())
}
