package alerts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/railsim/internal/network"
	"github.com/ChuLiYu/railsim/pkg/types"
)

// Two nodes roughly 1.1 km apart on the same meridian.
func testNodes(t *testing.T) *network.Network {
	t.Helper()
	net, err := network.New(network.Data{
		Nodes: []network.Node{
			{ID: "A", Lat: 28.600, Lon: 77.200},
			{ID: "B", Lat: 28.610, Lon: 77.200},
		},
		Edges: []network.Edge{
			{From: "A", To: "B", Length: 1112},
			{From: "B", To: "A", Length: 1112},
		},
	})
	require.NoError(t, err)
	return net
}

func view(id string, from, to string, pos float64, status types.TrainStatus) types.TrainView {
	return types.TrainView{
		ID:            types.TrainID(id),
		Segment:       &types.SegmentRef{From: from, To: to},
		Position:      pos,
		SegmentLength: 1112,
		Status:        status,
	}
}

func TestLocate(t *testing.T) {
	nodes := testNodes(t)

	p, ok := Locate(view("T1", "A", "B", 556, types.StatusRunning), nodes)
	require.True(t, ok)
	assert.InDelta(t, 77.200, p.Lon(), 1e-9)
	assert.InDelta(t, 28.605, p.Lat(), 1e-9)

	_, ok = Locate(types.TrainView{ID: "T2"}, nodes)
	assert.False(t, ok, "trains off the network have no position")
}

func TestDerive(t *testing.T) {
	d := Deriver{Threshold: 500, Nodes: testNodes(t)}

	alerts := d.Derive([]types.TrainView{
		view("T2", "A", "B", 500, types.StatusRunning),
		view("T1", "A", "B", 300, types.StatusHeld),
		view("T3", "B", "A", 213, types.StatusDelayed), // about 900 m from A
	})

	require.Len(t, alerts, 2, "T1 and T3 are about 600 m apart")
	assert.Equal(t, [2]types.TrainID{"T1", "T2"}, alerts[0].Trains)
	assert.Equal(t, types.AlertCritical, alerts[0].Level)
	assert.InDelta(t, 200, alerts[0].Distance, 2)

	assert.Equal(t, [2]types.TrainID{"T2", "T3"}, alerts[1].Trains)
	assert.Equal(t, types.AlertWarning, alerts[1].Level)
	assert.InDelta(t, 400, alerts[1].Distance, 2)
	assert.Equal(t, KindProximity, alerts[1].Kind)
}

func TestDerive_IgnoresParkedTrains(t *testing.T) {
	d := Deriver{Threshold: 500, Nodes: testNodes(t)}

	alerts := d.Derive([]types.TrainView{
		view("T1", "A", "B", 1112, types.StatusFinished),
		view("T2", "A", "B", 1100, types.StatusRunning),
		view("T3", "A", "B", 1100, types.StatusStopped),
		{ID: "T4", Status: types.StatusStopped},
	})
	assert.Empty(t, alerts)
}

func TestDerive_Disabled(t *testing.T) {
	assert.Nil(t, Deriver{Nodes: testNodes(t)}.Derive([]types.TrainView{
		view("T1", "A", "B", 0, types.StatusRunning),
		view("T2", "A", "B", 0, types.StatusRunning),
	}))
}
