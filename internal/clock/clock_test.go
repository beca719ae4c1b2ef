package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSim(t *testing.T) {
	s := Sim{Step: 60}
	assert.Zero(t, s.Now())
	s.Advance()
	s.Advance()
	assert.Equal(t, uint64(2), s.Tick)
	assert.Equal(t, 120.0, s.Now())
}

func TestPacer_Remaining(t *testing.T) {
	base := time.Unix(1000, 0)
	now := base
	p := NewPacer(100 * time.Millisecond)
	p.now = func() time.Time { return now }

	assert.Zero(t, p.Remaining(), "first tick is not delayed")

	p.Mark()
	now = base.Add(30 * time.Millisecond)
	assert.Equal(t, 70*time.Millisecond, p.Remaining())

	now = base.Add(250 * time.Millisecond)
	assert.Zero(t, p.Remaining(), "an overrun tick is followed immediately")
}

func TestPacer_WaitStops(t *testing.T) {
	p := NewPacer(time.Hour)
	p.Mark()

	stop := make(chan struct{})
	close(stop)
	assert.False(t, p.Wait(context.Background(), stop))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, p.Wait(ctx, make(chan struct{})))
}

func TestPacer_ZeroInterval(t *testing.T) {
	p := NewPacer(0)
	p.Mark()
	assert.True(t, p.Wait(context.Background(), make(chan struct{})))
}
