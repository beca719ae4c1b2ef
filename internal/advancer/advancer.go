// Package advancer moves trains along their current segment once per tick.
//
// The model is kinematic only: a train runs at min(rated speed, segment
// limit) with no acceleration curve, and stops exactly at the segment end.
// Leftover distance is not carried into the next segment; the next segment
// has to be granted by the conflict layer on the following tick.
package advancer

import (
	"math"

	"github.com/ChuLiYu/railsim/internal/network"
	"github.com/ChuLiYu/railsim/pkg/types"
)

// Tolerance is the distance in metres under which a train snaps to the end
// of its segment.
const Tolerance = 1e-3

// EffectiveSpeed returns the speed a train may run at on edge.
func EffectiveSpeed(t *types.Train, edge network.Edge) float64 {
	v := t.MaxSpeed
	if edge.SpeedLimit != nil && *edge.SpeedLimit < v {
		v = *edge.SpeedLimit
	}
	return v
}

// Result describes one advance.
type Result struct {
	Distance float64 // metres covered this tick
	Position float64 // new position
	Reached  bool    // position == edge length
	Clamped  bool    // the incoming position was outside [0, length]
}

// Advance computes the new position for a train on edge after dt simulated
// seconds. It does not mutate t.
func Advance(t *types.Train, edge network.Edge, dt float64) Result {
	var res Result
	pos := t.Position
	if pos < 0 || math.IsNaN(pos) {
		pos, res.Clamped = 0, true
	}
	if pos > edge.Length {
		pos, res.Clamped = edge.Length, true
	}

	step := EffectiveSpeed(t, edge) * dt
	next := pos + step
	if next >= edge.Length-Tolerance {
		next = edge.Length
	}
	res.Distance = next - pos
	res.Position = next
	res.Reached = next == edge.Length
	return res
}

// AtEnd reports whether t is at (or within Tolerance of) the end of edge.
func AtEnd(t *types.Train, edge network.Edge) bool {
	return t.Position >= edge.Length-Tolerance
}

// Progress returns the fraction of the current segment covered, in [0, 1].
// A reached zero-length segment counts as covered.
func Progress(t *types.Train, edgeLength float64) float64 {
	if t.Status == types.StatusFinished {
		return 1
	}
	if t.Segment == nil {
		return 0
	}
	if edgeLength <= 0 {
		return 1
	}
	return math.Min(1, math.Max(0, t.Position/edgeLength))
}

// RouteProgress returns the fraction of the route covered, in [0, 1].
// Completed segments count as whole segments regardless of length.
func RouteProgress(t *types.Train, edgeLength float64) float64 {
	segments := len(t.Route) - 1
	if segments <= 0 {
		return 0
	}
	if t.Status == types.StatusFinished {
		return 1
	}
	if t.Segment == nil {
		return 0
	}
	p := (float64(t.Cursor) + Progress(t, edgeLength)) / float64(segments)
	return math.Min(1, math.Max(0, p))
}
