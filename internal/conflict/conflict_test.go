package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/railsim/internal/network"
	"github.com/ChuLiYu/railsim/pkg/types"
)

func testGraph(t *testing.T) *network.Network {
	t.Helper()
	net, err := network.New(network.Data{
		Nodes: []network.Node{{ID: "A"}, {ID: "B"}, {ID: "C"}, {ID: "X"}},
		Edges: []network.Edge{
			{From: "A", To: "B", Length: 100},
			{From: "X", To: "B", Length: 100},
			{From: "B", To: "C", Length: 100, Track: "BC"},
			{From: "C", To: "B", Length: 100, Track: "BC"},
		},
	})
	require.NoError(t, err)
	return net
}

func waiting(id string, route ...string) *types.Train {
	return &types.Train{ID: types.TrainID(id), Route: route, Cursor: -1, Status: types.StatusStopped, MaxSpeed: 10}
}

func on(id string, cursor int, pos float64, route ...string) *types.Train {
	t := waiting(id, route...)
	t.Cursor = cursor
	t.Segment = &types.SegmentRef{From: route[cursor], To: route[cursor+1]}
	t.Position = pos
	t.Status = types.StatusRunning
	return t
}

func TestIntents(t *testing.T) {
	g := testGraph(t)
	trains := []*types.Train{
		waiting("T1", "A", "B", "C"),
		on("T2", 0, 50, "A", "B", "C"),  // mid segment, no intent
		on("T3", 0, 100, "X", "B", "C"), // at boundary
		on("T4", 1, 100, "A", "B", "C"), // route exhausted
		on("T5", 0, 100, "A", "B", "X"), // B->X not in network
	}

	intents := Intents(trains, g)
	require.Len(t, intents, 4)

	assert.Equal(t, Intent{Train: "T1", Kind: IntentEnter, Next: types.SegmentRef{From: "A", To: "B"},
		Edge: mustEdge(t, g, "A", "B"), Key: "A->B"}, intents[0])
	assert.Equal(t, IntentEnter, intents[1].Kind)
	assert.Equal(t, types.SegmentKey("BC"), intents[1].Key, "shared track uses the track id")
	assert.Equal(t, IntentFinish, intents[2].Kind)
	assert.Equal(t, IntentMissing, intents[3].Kind)
	assert.Equal(t, "B->X", string(intents[3].Next.Key()))
}

func TestIntents_TerminalTrainsSkipped(t *testing.T) {
	g := testGraph(t)
	done := on("T1", 0, 100, "A", "B")
	done.Status = types.StatusFinished
	stopped := on("T2", 0, 100, "A", "B")
	stopped.Status = types.StatusStopped
	stopped.StopReason = "missing edge"

	assert.Empty(t, Intents([]*types.Train{done, stopped}, g))
}

func TestDetect(t *testing.T) {
	g := testGraph(t)
	trains := []*types.Train{
		on("T2", 0, 100, "X", "B", "C"),
		on("T1", 0, 100, "A", "B", "C"),
		waiting("T3", "C", "B"),
		waiting("T4", "A", "B"),
	}

	intents := Intents(trains, g)
	conflicts := Detect(intents)
	require.Len(t, conflicts, 1)
	assert.Equal(t, types.Conflict{Segment: "BC", Trains: []types.TrainID{"T1", "T2", "T3"}}, conflicts[0])

	req := Requests(intents)
	assert.Equal(t, []types.TrainID{"T4"}, req["A->B"])
	assert.Len(t, req, 2)
}

func TestDetect_SingleRequesterIsNotAConflict(t *testing.T) {
	g := testGraph(t)
	assert.Empty(t, Detect(Intents([]*types.Train{waiting("T1", "A", "B")}, g)))
}

func TestOccupancy(t *testing.T) {
	g := testGraph(t)
	finished := on("T9", 0, 100, "A", "B")
	finished.Status = types.StatusFinished

	occ := Occupancy([]*types.Train{
		on("T1", 1, 30, "A", "B", "C"),
		finished,
		waiting("T3", "A", "B"),
	}, g)

	assert.Equal(t, map[types.SegmentKey]types.TrainID{"BC": "T1"}, occ)
	assert.True(t, Blocked(occ, "BC", "T2"))
	assert.False(t, Blocked(occ, "BC", "T1"), "a train never blocks itself")
	assert.False(t, Blocked(occ, "A->B", "T2"), "finished trains release their segment")
}

func mustEdge(t *testing.T, g *network.Network, u, v string) network.Edge {
	t.Helper()
	e, ok := g.Edge(u, v)
	require.True(t, ok)
	return e
}
