package service

import (
	"math"
	"time"
)

// RestartPolicy decides when a service may be restarted. Consecutive
// restarts widen the cool-down window quadratically; a service that stays
// quiet for a full window settles back to a fresh state.
type RestartPolicy struct {
	Cooldown time.Duration

	pending       bool
	attempts      int
	lastRestartAt time.Time

	now func() time.Time
}

func NewRestartPolicy(cooldown time.Duration) *RestartPolicy {
	return &RestartPolicy{Cooldown: cooldown, now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (p *RestartPolicy) WithClock(now func() time.Time) *RestartPolicy {
	p.now = now
	return p
}

// Request marks a restart as pending. Repeated requests collapse into one.
func (p *RestartPolicy) Request() { p.pending = true }

func (p *RestartPolicy) Pending() bool { return p.pending }

// Clear drops a pending request after a successful restart.
func (p *RestartPolicy) Clear() { p.pending = false }

func (p *RestartPolicy) Attempts() int { return p.attempts }

func (p *RestartPolicy) LastRestartAt() time.Time { return p.lastRestartAt }

// Window is the cool-down after the last restart: Cooldown * (attempts+1)^2.
func (p *RestartPolicy) Window() time.Duration {
	n := float64(p.attempts + 1)
	w := float64(p.Cooldown) * n * n
	if w >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(w)
}

// CanRestartNow reports whether no restart was recorded yet or the window
// since the last one has elapsed.
func (p *RestartPolicy) CanRestartNow() bool {
	if p.lastRestartAt.IsZero() {
		return true
	}
	return p.now().Sub(p.lastRestartAt) >= p.Window()
}

// RecordRestart counts a restart attempt at the current time.
func (p *RestartPolicy) RecordRestart() {
	p.attempts++
	p.lastRestartAt = p.now()
}

// Settle returns the policy to its fresh state once the window has passed
// with nothing pending. It reports whether any history was dropped.
func (p *RestartPolicy) Settle() bool {
	if p.pending || p.lastRestartAt.IsZero() || !p.CanRestartNow() {
		return false
	}
	p.lastRestartAt = time.Time{}
	p.attempts = 0
	return true
}
