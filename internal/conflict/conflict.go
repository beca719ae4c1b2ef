// Package conflict derives per-train movement intents from registry state and
// groups them into contested segments. Everything here is a pure function of
// its inputs.
package conflict

import (
	"sort"

	"github.com/ChuLiYu/railsim/internal/advancer"
	"github.com/ChuLiYu/railsim/internal/network"
	"github.com/ChuLiYu/railsim/pkg/types"
)

// Graph looks up directed edges.
type Graph interface {
	Edge(u, v types.NodeID) (network.Edge, bool)
}

// IntentKind 列車在本 tick 的意圖
type IntentKind int

const (
	// IntentEnter: the train wants to enter its next route segment.
	IntentEnter IntentKind = iota
	// IntentFinish: the route is exhausted.
	IntentFinish
	// IntentMissing: the next segment is not in the network.
	IntentMissing
)

func (k IntentKind) String() string {
	switch k {
	case IntentEnter:
		return "enter"
	case IntentFinish:
		return "finish"
	case IntentMissing:
		return "missing"
	}
	return "unknown"
}

// Intent is what one train at a segment boundary wants to do next.
type Intent struct {
	Train types.TrainID
	Kind  IntentKind
	Next  types.SegmentRef // valid for IntentEnter and IntentMissing
	Edge  network.Edge     // valid for IntentEnter
	Key   types.SegmentKey // valid for IntentEnter
}

// Requesting reports whether t is at a decision point: not yet started, or
// at the end of its current segment. Terminal trains never request.
func Requesting(t *types.Train, g Graph) bool {
	if t.Terminal() {
		return false
	}
	if t.Segment == nil {
		return true
	}
	edge, ok := g.Edge(t.Segment.From, t.Segment.To)
	if !ok {
		return true
	}
	return advancer.AtEnd(t, edge)
}

// Intents returns the intent of every requesting train, in input order. The
// caller passes only trains that are free to move this tick.
func Intents(trains []*types.Train, g Graph) []Intent {
	out := make([]Intent, 0, len(trains))
	for _, t := range trains {
		if !Requesting(t, g) {
			continue
		}
		next, ok := t.NextSegment()
		if !ok {
			out = append(out, Intent{Train: t.ID, Kind: IntentFinish})
			continue
		}
		edge, ok := g.Edge(next.From, next.To)
		if !ok {
			out = append(out, Intent{Train: t.ID, Kind: IntentMissing, Next: next})
			continue
		}
		out = append(out, Intent{Train: t.ID, Kind: IntentEnter, Next: next, Edge: edge, Key: edge.Key()})
	}
	return out
}

// Requests groups enter intents by segment key. Train ids are sorted.
func Requests(intents []Intent) map[types.SegmentKey][]types.TrainID {
	req := make(map[types.SegmentKey][]types.TrainID)
	for _, in := range intents {
		if in.Kind != IntentEnter {
			continue
		}
		req[in.Key] = append(req[in.Key], in.Train)
	}
	for k, ids := range req {
		req[k] = dedupSorted(ids)
	}
	return req
}

// Detect returns the segments requested by two or more distinct trains,
// sorted by segment key.
func Detect(intents []Intent) []types.Conflict {
	req := Requests(intents)
	out := make([]types.Conflict, 0)
	for key, ids := range req {
		if len(ids) < 2 {
			continue
		}
		out = append(out, types.Conflict{Segment: key, Trains: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Segment < out[j].Segment })
	return out
}

// Occupancy maps each segment key to the train currently on it. Finished
// and terminally stopped trains release their segment.
func Occupancy(trains []*types.Train, g Graph) map[types.SegmentKey]types.TrainID {
	occ := make(map[types.SegmentKey]types.TrainID, len(trains))
	for _, t := range trains {
		if t.Segment == nil || t.Terminal() {
			continue
		}
		key := t.Segment.Key()
		if edge, ok := g.Edge(t.Segment.From, t.Segment.To); ok {
			key = edge.Key()
		}
		if prev, taken := occ[key]; !taken || t.ID < prev {
			occ[key] = t.ID
		}
	}
	return occ
}

// Blocked reports whether key is occupied by a train other than id.
func Blocked(occ map[types.SegmentKey]types.TrainID, key types.SegmentKey, id types.TrainID) bool {
	holder, taken := occ[key]
	return taken && holder != id
}

func dedupSorted(ids []types.TrainID) []types.TrainID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]types.TrainID, 0, len(ids))
	for _, id := range ids {
		if len(out) > 0 && out[len(out)-1] == id {
			continue
		}
		out = append(out, id)
	}
	return out
}
