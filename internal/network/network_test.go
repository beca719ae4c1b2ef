package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limit(v float64) *float64 { return &v }

func corridor() Data {
	return Data{
		Nodes: []Node{
			{ID: "A", Lat: 28.60, Lon: 77.20, Kind: NodeStation},
			{ID: "B", Lat: 28.61, Lon: 77.21, Kind: NodeJunction},
			{ID: "C", Lat: 28.62, Lon: 77.22, Kind: NodeStation},
		},
		Edges: []Edge{
			{From: "A", To: "B", Length: 1000},
			{From: "B", To: "C", Length: 1000, SpeedLimit: limit(10)},
			{From: "C", To: "B", Length: 1000, SpeedLimit: limit(10)},
		},
	}
}

func TestNew(t *testing.T) {
	net, err := New(corridor())
	require.NoError(t, err)

	e, ok := net.Edge("B", "C")
	require.True(t, ok)
	assert.Equal(t, 1000.0, e.Length)
	require.NotNil(t, e.SpeedLimit)
	assert.Equal(t, 10.0, *e.SpeedLimit)

	assert.True(t, net.HasEdge("A", "B"))
	assert.False(t, net.HasEdge("B", "A"), "edges are directed")
	assert.Len(t, net.Nodes(), 3)
	assert.Len(t, net.Edges(), 3)
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Data)
	}{
		{"duplicate node", func(d *Data) { d.Nodes = append(d.Nodes, Node{ID: "A"}) }},
		{"empty node id", func(d *Data) { d.Nodes = append(d.Nodes, Node{}) }},
		{"dangling source", func(d *Data) { d.Edges = append(d.Edges, Edge{From: "X", To: "A", Length: 1}) }},
		{"dangling target", func(d *Data) { d.Edges = append(d.Edges, Edge{From: "A", To: "X", Length: 1}) }},
		{"negative length", func(d *Data) { d.Edges = append(d.Edges, Edge{From: "B", To: "A", Length: -1}) }},
		{"zero speed limit", func(d *Data) { d.Edges = append(d.Edges, Edge{From: "B", To: "A", Length: 1, SpeedLimit: limit(0)}) }},
		{"duplicate edge", func(d *Data) { d.Edges = append(d.Edges, Edge{From: "A", To: "B", Length: 5}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := corridor()
			tt.mutate(&d)
			_, err := New(d)
			assert.ErrorIs(t, err, ErrInvalidGraph)
		})
	}
}

func TestNew_ZeroLengthAllowed(t *testing.T) {
	d := corridor()
	d.Edges = append(d.Edges, Edge{From: "B", To: "A", Length: 0})
	net, err := New(d)
	require.NoError(t, err)
	e, ok := net.Edge("B", "A")
	require.True(t, ok)
	assert.Zero(t, e.Length)
}

func TestEdgeKey(t *testing.T) {
	plain := Edge{From: "A", To: "B"}
	assert.Equal(t, "A->B", string(plain.Key()))

	shared := Edge{From: "B", To: "C", Track: "BC"}
	assert.Equal(t, "BC", string(shared.Key()))
	assert.Equal(t, "B->C", string(shared.Ref().Key()))
}

func TestValidateRoute(t *testing.T) {
	net, err := New(corridor())
	require.NoError(t, err)

	assert.NoError(t, net.ValidateRoute([]string{"A", "B", "C"}))
	assert.ErrorIs(t, net.ValidateRoute([]string{"A"}), ErrShortRoute)
	assert.ErrorIs(t, net.ValidateRoute(nil), ErrShortRoute)
	assert.ErrorIs(t, net.ValidateRoute([]string{"A", "Z"}), ErrUnknownNode)
	assert.ErrorIs(t, net.ValidateRoute([]string{"C", "A"}), ErrUnknownEdge)
}

func TestSpeedLimitIsCopied(t *testing.T) {
	d := corridor()
	v := 12.0
	d.Edges[0].SpeedLimit = &v
	net, err := New(d)
	require.NoError(t, err)

	v = 99
	e, _ := net.Edge("A", "B")
	assert.Equal(t, 12.0, *e.SpeedLimit, "network must not alias caller data")
}

func TestAccessorsDoNotAliasSpeedLimit(t *testing.T) {
	d := corridor()
	v := 12.0
	d.Edges[0].SpeedLimit = &v
	net, err := New(d)
	require.NoError(t, err)

	*net.Edges()[0].SpeedLimit = 1
	*net.Data().Edges[0].SpeedLimit = 2
	e, _ := net.Edge("A", "B")
	*e.SpeedLimit = 3

	e, _ = net.Edge("A", "B")
	assert.Equal(t, 12.0, *e.SpeedLimit, "writes through returned edges must not reach the network")
	assert.Equal(t, 12.0, *net.Edges()[0].SpeedLimit)
}
