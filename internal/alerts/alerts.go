// Package alerts derives near-collision warnings from published train views.
package alerts

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/ChuLiYu/railsim/internal/network"
	"github.com/ChuLiYu/railsim/pkg/types"
)

// KindProximity tags alerts raised for two trains closer than the threshold.
const KindProximity = "proximity"

// Nodes resolves node coordinates.
type Nodes interface {
	Node(id types.NodeID) (network.Node, bool)
}

// Locate interpolates a train's coordinates along its current segment.
// Trains that have not started have no position.
func Locate(v types.TrainView, nodes Nodes) (orb.Point, bool) {
	if v.Segment == nil {
		return orb.Point{}, false
	}
	from, ok := nodes.Node(v.Segment.From)
	if !ok {
		return orb.Point{}, false
	}
	to, ok := nodes.Node(v.Segment.To)
	if !ok {
		return orb.Point{}, false
	}
	frac := 0.0
	if v.SegmentLength > 0 {
		frac = v.Position / v.SegmentLength
	}
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	a := orb.Point{from.Lon, from.Lat}
	b := orb.Point{to.Lon, to.Lat}
	return orb.Point{a[0] + (b[0]-a[0])*frac, a[1] + (b[1]-a[1])*frac}, true
}

// Deriver raises an alert for every pair of active trains within Threshold
// metres of each other. Pairs under half the threshold are critical.
type Deriver struct {
	Threshold float64
	Nodes     Nodes
}

// Derive returns alerts ordered by distance, closest first.
func (d Deriver) Derive(views []types.TrainView) []types.Alert {
	if d.Threshold <= 0 || d.Nodes == nil {
		return nil
	}

	type located struct {
		id types.TrainID
		at orb.Point
	}
	active := make([]located, 0, len(views))
	for _, v := range views {
		if !activeStatus(v) {
			continue
		}
		if p, ok := Locate(v, d.Nodes); ok {
			active = append(active, located{id: v.ID, at: p})
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].id < active[j].id })

	var out []types.Alert
	for i := 0; i < len(active); i++ {
		for j := i + 1; j < len(active); j++ {
			dist := geo.DistanceHaversine(active[i].at, active[j].at)
			if dist >= d.Threshold {
				continue
			}
			level := types.AlertWarning
			if dist < d.Threshold/2 {
				level = types.AlertCritical
			}
			out = append(out, types.Alert{
				Kind:     KindProximity,
				Level:    level,
				Trains:   [2]types.TrainID{active[i].id, active[j].id},
				Distance: dist,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out
}

// activeStatus excludes trains that are parked: not started, finished, or
// terminally stopped.
func activeStatus(v types.TrainView) bool {
	if v.Segment == nil {
		return false
	}
	switch v.Status {
	case types.StatusFinished, types.StatusStopped:
		return false
	}
	return true
}
