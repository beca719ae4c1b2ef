package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/railsim/internal/engine"
	"github.com/ChuLiYu/railsim/internal/network"
	"github.com/ChuLiYu/railsim/internal/optimizer"
	"github.com/ChuLiYu/railsim/pkg/types"
)

// lineScenario builds a double-track line of stations S00..S(n-1) and trains
// alternating direction along its whole length.
func lineScenario(stations, trains int) (network.Data, []types.TrainSpec) {
	var data network.Data
	forward := make([]types.NodeID, stations)
	for i := 0; i < stations; i++ {
		id := fmt.Sprintf("S%02d", i)
		forward[i] = id
		data.Nodes = append(data.Nodes, network.Node{ID: id, Lat: 28.6, Lon: 77.2 + float64(i)*0.01})
		if i > 0 {
			prev := forward[i-1]
			data.Edges = append(data.Edges,
				network.Edge{From: prev, To: id, Length: 1000},
				network.Edge{From: id, To: prev, Length: 1000},
			)
		}
	}
	reverse := make([]types.NodeID, stations)
	for i, id := range forward {
		reverse[stations-1-i] = id
	}

	classes := []types.TrainClass{types.ClassExpress, types.ClassPassenger, types.ClassFreight}
	specs := make([]types.TrainSpec, trains)
	for i := range specs {
		route := forward
		if i%2 == 1 {
			route = reverse
		}
		specs[i] = types.TrainSpec{
			ID:       types.TrainID(fmt.Sprintf("L%03d", i)),
			Class:    classes[i%len(classes)],
			MaxSpeed: float64(10 + i%7),
			Route:    route,
		}
	}
	return data, specs
}

func benchmarkStep(b *testing.B, mode optimizer.Mode) {
	data, specs := lineScenario(12, 24)
	tracks, err := network.New(data)
	require.NoError(b, err)

	e, err := engine.New(engine.Config{
		TickDuration: 30 * time.Second,
		Mode:         mode,
		Logger:       quietLogger(),
	}, tracks)
	require.NoError(b, err)
	defer e.Stop()
	require.NoError(b, e.Seed(context.Background(), specs))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if snap := e.Step(); allFinished(snap) {
			b.StopTimer()
			require.NoError(b, e.Seed(context.Background(), specs))
			b.StartTimer()
		}
	}
}

func BenchmarkStep_Immediate(b *testing.B) {
	benchmarkStep(b, optimizer.ModeImmediate)
}

func BenchmarkStep_RollingHorizon(b *testing.B) {
	benchmarkStep(b, optimizer.ModeRollingHorizon)
}
