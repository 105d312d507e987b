// Package flowgraph analyzes how the nodes of a flow are connected, both through
// explicit pipeline wires and through the key expressions they use on the substrate.
package flowgraph

import (
	"fmt"
	"maps"
	"slices"

	"github.com/c360/keybridge/component"
	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/keyexpr"
)

// Role describes how a node uses the substrate.
type Role string

const (
	RolePublisher  Role = "publisher"  // put
	RoleSubscriber Role = "subscriber" // subscribe
	RoleRequester  Role = "requester"  // query
	RoleResponder  Role = "responder"  // queryable
)

// Binding is a node's configured key expression and role.
type Binding struct {
	Role    Role   `json:"role"`
	KeyExpr string `json:"key_expr"`
}

// Bound is implemented by nodes attached to a key expression. Nodes without a
// configured key expression return an empty Binding.
type Bound interface {
	Binding() Binding
}

// InteractionPattern defines how two nodes are connected
type InteractionPattern string

const (
	// PatternWire is an explicit pipeline wire from an output port to a node.
	PatternWire InteractionPattern = "wire"
	// PatternStream connects a publisher to subscribers whose key expressions intersect.
	PatternStream InteractionPattern = "stream"
	// PatternRequest connects a requester to responders whose key expressions intersect.
	PatternRequest InteractionPattern = "request"
)

// FlowGraph is a directed graph of node connections
type FlowGraph struct {
	nodes map[string]*Node
	edges []Edge
}

// Node is a flow node in the graph
type Node struct {
	Name        string
	Component   component.Discoverable
	OutputPorts []component.Port
	HasInput    bool
	Binding     Binding
}

// PortRef references an output port on a node. Port is -1 for substrate edges.
type PortRef struct {
	Node string `json:"node"`
	Port int    `json:"port"`
}

// Edge connects two nodes
type Edge struct {
	From    PortRef            `json:"from"`
	To      string             `json:"to"`
	Pattern InteractionPattern `json:"pattern"`
	KeyExpr string             `json:"key_expr,omitempty"`
}

// AnalysisResult contains the results of connectivity analysis
type AnalysisResult struct {
	ConnectedComponents [][]string         `json:"connected_components"`
	Edges               []Edge             `json:"edges"`
	DisconnectedNodes   []DisconnectedNode `json:"disconnected_nodes"`
	OrphanedPorts       []OrphanedPort     `json:"orphaned_ports"`
	ValidationStatus    string             `json:"validation_status"`
}

// DisconnectedNode is a node with no connections at all
type DisconnectedNode struct {
	Node        string   `json:"node"`
	Issue       string   `json:"issue"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// OrphanedPort is an output port with no wire
type OrphanedPort struct {
	Node  string `json:"node"`
	Port  int    `json:"port"`
	Name  string `json:"name"`
	Issue string `json:"issue"`
}

// NewFlowGraph creates a new empty FlowGraph
func NewFlowGraph() *FlowGraph {
	return &FlowGraph{nodes: make(map[string]*Node)}
}

// Nodes returns a copy of the graph nodes
func (g *FlowGraph) Nodes() map[string]*Node {
	result := make(map[string]*Node, len(g.nodes))
	for name, n := range g.nodes {
		cp := *n
		cp.OutputPorts = slices.Clone(n.OutputPorts)
		result[name] = &cp
	}
	return result
}

// Edges returns a copy of the graph edges
func (g *FlowGraph) Edges() []Edge {
	return slices.Clone(g.edges)
}

// AddNode adds a node to the graph. Names are unique.
func (g *FlowGraph) AddNode(name string, comp component.Discoverable) error {
	if _, exists := g.nodes[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("node %q already exists", name), "FlowGraph", "AddNode", "duplicate check")
	}

	n := &Node{Name: name, Component: comp}
	for _, p := range comp.OutputPorts() {
		if p.Direction == component.DirectionOutput {
			n.OutputPorts = append(n.OutputPorts, p)
		}
	}
	for _, p := range comp.InputPorts() {
		if p.Direction == component.DirectionInput {
			n.HasInput = true
		}
	}
	if b, ok := comp.(Bound); ok {
		n.Binding = b.Binding()
	}
	g.nodes[name] = n
	return nil
}

// Wire adds an explicit wire from an output port of from to the node named to.
func (g *FlowGraph) Wire(from string, port int, to string) error {
	src, ok := g.nodes[from]
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: unknown node %q", errors.ErrInvalidConfig, from),
			"FlowGraph", "Wire", "source lookup")
	}
	if !component.HasOutput(src.OutputPorts, port) {
		return errors.WrapInvalid(fmt.Errorf("%w: node %q has no output port %d", errors.ErrInvalidConfig, from, port),
			"FlowGraph", "Wire", "port lookup")
	}
	dst, ok := g.nodes[to]
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: node %q wires to unknown node %q", errors.ErrInvalidConfig, from, to),
			"FlowGraph", "Wire", "target lookup")
	}
	if !dst.HasInput {
		return errors.WrapInvalid(fmt.Errorf("%w: node %q accepts no input", errors.ErrInvalidConfig, to),
			"FlowGraph", "Wire", "target input check")
	}
	g.edges = append(g.edges, Edge{From: PortRef{Node: from, Port: port}, To: to, Pattern: PatternWire})
	return nil
}

// ConnectByKeyExpr adds substrate edges: publishers to intersecting subscribers
// and requesters to intersecting responders. Existing substrate edges are
// replaced; wires are kept.
func (g *FlowGraph) ConnectByKeyExpr() {
	wires := g.edges[:0]
	for _, e := range g.edges {
		if e.Pattern == PatternWire {
			wires = append(wires, e)
		}
	}
	g.edges = wires

	names := slices.Sorted(maps.Keys(g.nodes))
	for _, from := range names {
		src := g.nodes[from]
		var want Role
		var pattern InteractionPattern
		switch src.Binding.Role {
		case RolePublisher:
			want, pattern = RoleSubscriber, PatternStream
		case RoleRequester:
			want, pattern = RoleResponder, PatternRequest
		default:
			continue
		}
		srcKey, err := keyexpr.New(src.Binding.KeyExpr)
		if err != nil {
			continue
		}
		for _, to := range names {
			dst := g.nodes[to]
			if to == from || dst.Binding.Role != want {
				continue
			}
			dstKey, err := keyexpr.New(dst.Binding.KeyExpr)
			if err != nil || !keyexpr.Intersects(srcKey, dstKey) {
				continue
			}
			g.edges = append(g.edges, Edge{
				From:    PortRef{Node: from, Port: -1},
				To:      to,
				Pattern: pattern,
				KeyExpr: dst.Binding.KeyExpr,
			})
		}
	}
}

// AnalyzeConnectivity reports clusters, disconnected nodes and unwired output
// ports. Status is "healthy" or "warnings".
func (g *FlowGraph) AnalyzeConnectivity() *AnalysisResult {
	result := &AnalysisResult{
		ConnectedComponents: g.findConnectedComponents(),
		Edges:               g.Edges(),
		DisconnectedNodes:   []DisconnectedNode{},
		OrphanedPorts:       g.findOrphanedPorts(),
		ValidationStatus:    "healthy",
	}

	connected := make(map[string]bool)
	for _, e := range g.edges {
		connected[e.From.Node] = true
		connected[e.To] = true
	}
	for _, name := range slices.Sorted(maps.Keys(g.nodes)) {
		if connected[name] {
			continue
		}
		result.DisconnectedNodes = append(result.DisconnectedNodes, DisconnectedNode{
			Node:        name,
			Issue:       "node has no connections",
			Suggestions: []string{"Add wires to or from the node", "Check the node key expression"},
		})
	}

	if len(result.DisconnectedNodes) > 0 {
		result.ValidationStatus = "warnings"
	}
	return result
}

func (g *FlowGraph) findConnectedComponents() [][]string {
	adj := make(map[string][]string)
	for _, e := range g.edges {
		adj[e.From.Node] = append(adj[e.From.Node], e.To)
		adj[e.To] = append(adj[e.To], e.From.Node)
	}

	visited := make(map[string]bool)
	components := [][]string{}
	for _, name := range slices.Sorted(maps.Keys(g.nodes)) {
		if visited[name] {
			continue
		}
		var cluster []string
		dfs(name, adj, visited, &cluster)
		slices.Sort(cluster)
		components = append(components, cluster)
	}
	return components
}

func dfs(node string, adj map[string][]string, visited map[string]bool, cluster *[]string) {
	visited[node] = true
	*cluster = append(*cluster, node)
	for _, neighbor := range adj[node] {
		if !visited[neighbor] {
			dfs(neighbor, adj, visited, cluster)
		}
	}
}

// findOrphanedPorts lists output ports without a wire. They are not errors:
// unwired output is dropped, and taps may still observe it.
func (g *FlowGraph) findOrphanedPorts() []OrphanedPort {
	wired := make(map[PortRef]bool)
	for _, e := range g.edges {
		if e.Pattern == PatternWire {
			wired[e.From] = true
		}
	}

	orphaned := []OrphanedPort{}
	for _, name := range slices.Sorted(maps.Keys(g.nodes)) {
		for _, p := range g.nodes[name].OutputPorts {
			if wired[PortRef{Node: name, Port: p.Index}] {
				continue
			}
			orphaned = append(orphaned, OrphanedPort{Node: name, Port: p.Index, Name: p.Name, Issue: "no_wires"})
		}
	}
	return orphaned
}
