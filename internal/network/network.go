// Package network holds the immutable directed track graph consumed by the
// simulation core.
package network

import (
	"errors"
	"fmt"
	"math"

	"github.com/ChuLiYu/railsim/pkg/types"
)

var (
	ErrUnknownNode  = errors.New("unknown node")
	ErrUnknownEdge  = errors.New("edge not in network")
	ErrShortRoute   = errors.New("route needs at least two nodes")
	ErrInvalidGraph = errors.New("invalid network data")
)

// NodeKind classifies a node in the network.
type NodeKind string

const (
	NodeStation  NodeKind = "station"
	NodeJunction NodeKind = "junction"
	NodeSignal   NodeKind = "signal"
)

// Node is a point in the network graph. Coordinates are WGS84 degrees.
type Node struct {
	ID   types.NodeID `json:"id" yaml:"id"`
	Lat  float64      `json:"lat" yaml:"lat"`
	Lon  float64      `json:"lon" yaml:"lon"`
	Kind NodeKind     `json:"type,omitempty" yaml:"type,omitempty"`
	Name string       `json:"name,omitempty" yaml:"name,omitempty"`
}

// Edge is a directed segment. SpeedLimit is optional: nil means the train's
// own rated speed applies. Track, when set, names the physical resource the
// edge shares with its opposite direction.
type Edge struct {
	From       types.NodeID `json:"source" yaml:"source"`
	To         types.NodeID `json:"target" yaml:"target"`
	Length     float64      `json:"length" yaml:"length"`                                   // metres
	SpeedLimit *float64     `json:"max_speed_mps,omitempty" yaml:"max_speed_mps,omitempty"` // m/s
	Track      string       `json:"track,omitempty" yaml:"track,omitempty"`
}

// Ref returns the endpoints of e.
func (e Edge) Ref() types.SegmentRef { return types.SegmentRef{From: e.From, To: e.To} }

// Key returns the resource key used for contention and occupancy.
func (e Edge) Key() types.SegmentKey {
	if e.Track != "" {
		return types.SegmentKey(e.Track)
	}
	return e.Ref().Key()
}

// Data is the serialisable form of a network.
type Data struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// Network is a read-only directed graph. It is safe for concurrent reads.
type Network struct {
	nodes   []Node
	edges   []Edge
	nodeMap map[types.NodeID]Node
	edgeMap map[types.NodeID]map[types.NodeID]Edge // from -> to -> edge
}

// New builds a Network from Data, rejecting duplicate ids, dangling edges,
// negative lengths, and non-positive speed limits.
func New(data Data) (*Network, error) {
	n := &Network{
		nodeMap: make(map[types.NodeID]Node, len(data.Nodes)),
		edgeMap: make(map[types.NodeID]map[types.NodeID]Edge),
	}
	for _, node := range data.Nodes {
		if node.ID == "" {
			return nil, fmt.Errorf("%w: node with empty id", ErrInvalidGraph)
		}
		if _, exists := n.nodeMap[node.ID]; exists {
			return nil, fmt.Errorf("%w: node %q already exists", ErrInvalidGraph, node.ID)
		}
		n.nodes = append(n.nodes, node)
		n.nodeMap[node.ID] = node
	}
	for _, e := range data.Edges {
		if err := n.addEdge(e); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (n *Network) addEdge(e Edge) error {
	if _, ok := n.nodeMap[e.From]; !ok {
		return fmt.Errorf("%w: edge %s->%s: source node %q not found", ErrInvalidGraph, e.From, e.To, e.From)
	}
	if _, ok := n.nodeMap[e.To]; !ok {
		return fmt.Errorf("%w: edge %s->%s: target node %q not found", ErrInvalidGraph, e.From, e.To, e.To)
	}
	if math.IsNaN(e.Length) || math.IsInf(e.Length, 0) || e.Length < 0 {
		return fmt.Errorf("%w: edge %s->%s: length %v", ErrInvalidGraph, e.From, e.To, e.Length)
	}
	if e.SpeedLimit != nil && !(*e.SpeedLimit > 0) {
		return fmt.Errorf("%w: edge %s->%s: speed limit %v", ErrInvalidGraph, e.From, e.To, *e.SpeedLimit)
	}
	if _, dup := n.edgeMap[e.From][e.To]; dup {
		return fmt.Errorf("%w: edge %s->%s already exists", ErrInvalidGraph, e.From, e.To)
	}
	if n.edgeMap[e.From] == nil {
		n.edgeMap[e.From] = make(map[types.NodeID]Edge)
	}
	e = e.clone()
	n.edgeMap[e.From][e.To] = e
	n.edges = append(n.edges, e)
	return nil
}

// clone returns e with its own copy of SpeedLimit.
func (e Edge) clone() Edge {
	if e.SpeedLimit != nil {
		limit := *e.SpeedLimit
		e.SpeedLimit = &limit
	}
	return e
}

// Edge returns a copy of the directed edge from u to v.
func (n *Network) Edge(u, v types.NodeID) (Edge, bool) {
	e, ok := n.edgeMap[u][v]
	return e.clone(), ok
}

// HasEdge reports whether a directed edge u->v exists.
func (n *Network) HasEdge(u, v types.NodeID) bool {
	_, ok := n.edgeMap[u][v]
	return ok
}

// Node looks up a node by id.
func (n *Network) Node(id types.NodeID) (Node, bool) {
	node, ok := n.nodeMap[id]
	return node, ok
}

// Nodes returns the nodes in insertion order.
func (n *Network) Nodes() []Node { return append([]Node(nil), n.nodes...) }

// Edges returns copies of the edges in insertion order.
func (n *Network) Edges() []Edge {
	out := make([]Edge, len(n.edges))
	for i, e := range n.edges {
		out[i] = e.clone()
	}
	return out
}

// Data returns a serialisable copy of the network.
func (n *Network) Data() Data { return Data{Nodes: n.Nodes(), Edges: n.Edges()} }

// ValidateRoute checks that route has at least two nodes, every node is
// known, and every consecutive pair is an edge.
func (n *Network) ValidateRoute(route []types.NodeID) error {
	if len(route) < 2 {
		return ErrShortRoute
	}
	for _, id := range route {
		if _, ok := n.nodeMap[id]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownNode, id)
		}
	}
	for i := 0; i+1 < len(route); i++ {
		if !n.HasEdge(route[i], route[i+1]) {
			return fmt.Errorf("%w: %s->%s", ErrUnknownEdge, route[i], route[i+1])
		}
	}
	return nil
}
