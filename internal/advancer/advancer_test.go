package advancer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/railsim/internal/network"
	"github.com/ChuLiYu/railsim/pkg/types"
)

func limit(v float64) *float64 { return &v }

func onEdge(pos, speed float64) *types.Train {
	return &types.Train{
		ID:       "T1",
		MaxSpeed: speed,
		Route:    []string{"A", "B", "C"},
		Cursor:   0,
		Segment:  &types.SegmentRef{From: "A", To: "B"},
		Position: pos,
		Status:   types.StatusRunning,
	}
}

func TestEffectiveSpeed(t *testing.T) {
	train := onEdge(0, 20)
	assert.Equal(t, 20.0, EffectiveSpeed(train, network.Edge{Length: 100}))
	assert.Equal(t, 5.0, EffectiveSpeed(train, network.Edge{Length: 100, SpeedLimit: limit(5)}))
	assert.Equal(t, 20.0, EffectiveSpeed(train, network.Edge{Length: 100, SpeedLimit: limit(50)}))
}

func TestAdvance(t *testing.T) {
	tests := []struct {
		name     string
		pos      float64
		length   float64
		dt       float64
		wantPos  float64
		wantDist float64
		reached  bool
	}{
		{"mid segment", 0, 1000, 10, 100, 100, false},
		{"stops at end", 950, 1000, 10, 1000, 50, true},
		{"snaps within tolerance", 899.9995, 1000, 10, 1000, 100.0005, true},
		{"zero length", 0, 0, 10, 0, 0, true},
		{"already at end", 1000, 1000, 10, 1000, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Advance(onEdge(tt.pos, 10), network.Edge{Length: tt.length}, tt.dt)
			assert.InDelta(t, tt.wantPos, res.Position, 1e-9)
			assert.InDelta(t, tt.wantDist, res.Distance, 1e-6)
			assert.Equal(t, tt.reached, res.Reached)
			assert.False(t, res.Clamped)
		})
	}
}

func TestAdvance_NoTeleport(t *testing.T) {
	edge := network.Edge{Length: 5000, SpeedLimit: limit(15)}
	train := onEdge(0, 40)
	for i := 0; i < 100; i++ {
		res := Advance(train, edge, 7)
		assert.LessOrEqual(t, res.Distance, 15*7+Tolerance)
		assert.GreaterOrEqual(t, res.Position, train.Position)
		train.Position = res.Position
	}
	assert.Equal(t, 5000.0, train.Position)
}

func TestAdvance_ClampsInvalidPosition(t *testing.T) {
	res := Advance(onEdge(1200, 10), network.Edge{Length: 1000}, 1)
	assert.True(t, res.Clamped)
	assert.Equal(t, 1000.0, res.Position)

	res = Advance(onEdge(-3, 10), network.Edge{Length: 1000}, 1)
	assert.True(t, res.Clamped)
	assert.Equal(t, 10.0, res.Position)
}

func TestProgress(t *testing.T) {
	train := onEdge(500, 10)
	assert.InDelta(t, 0.5, Progress(train, 1000), 1e-9)
	assert.InDelta(t, 0.25, RouteProgress(train, 1000), 1e-9)

	train.Cursor = 1
	train.Segment = &types.SegmentRef{From: "B", To: "C"}
	train.Position = 0
	assert.Zero(t, Progress(train, 1000), "start of a new segment")
	assert.InDelta(t, 0.5, RouteProgress(train, 1000), 1e-9)
	assert.InDelta(t, 1.0, Progress(train, 0), 1e-9, "zero-length segment counts as covered")
	assert.InDelta(t, 1.0, RouteProgress(train, 0), 1e-9)

	train.Position = 1500
	assert.Equal(t, 1.0, Progress(train, 1000), "clamped to the segment end")

	train.Status = types.StatusFinished
	assert.Equal(t, 1.0, Progress(train, 1000))
	assert.Equal(t, 1.0, RouteProgress(train, 1000))

	unplaced := &types.Train{Route: []string{"A", "B"}, Cursor: -1}
	assert.Zero(t, Progress(unplaced, 0))
	assert.Zero(t, RouteProgress(unplaced, 0))
}
