// Package clock paces the simulation loop against wall time and tracks the
// simulated clock.
package clock

import (
	"context"
	"time"
)

// Sim is the monotonic simulated clock. Tick n ends at n × Step seconds.
type Sim struct {
	Tick uint64
	Step float64 // simulated seconds per tick
}

// Now returns simulated seconds elapsed since start.
func (s Sim) Now() float64 { return float64(s.Tick) * s.Step }

// Advance moves the clock by one tick.
func (s *Sim) Advance() { s.Tick++ }

// Pacer spaces ticks by Interval of wall time. A tick that overruns the
// interval is followed immediately by the next one; ticks are never merged
// or skipped.
type Pacer struct {
	Interval time.Duration
	now      func() time.Time
	last     time.Time
}

// NewPacer returns a pacer for interval. A zero interval runs flat out.
func NewPacer(interval time.Duration) *Pacer {
	return &Pacer{Interval: interval, now: time.Now}
}

// Mark records the start of a tick.
func (p *Pacer) Mark() { p.last = p.now() }

// Remaining returns how long to wait before the next tick may start.
func (p *Pacer) Remaining() time.Duration {
	if p.last.IsZero() {
		return 0
	}
	wait := p.Interval - p.now().Sub(p.last)
	if wait < 0 {
		return 0
	}
	return wait
}

// Wait blocks until the next tick is due, ctx is done, or stop is closed.
// It reports false when the loop should exit.
func (p *Pacer) Wait(ctx context.Context, stop <-chan struct{}) bool {
	d := p.Remaining()
	if d == 0 {
		select {
		case <-ctx.Done():
			return false
		case <-stop:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}
