package workflow

import (
	"fmt"
	"strings"
	"sync"

	"github.com/BaSui01/runflow/types"
)

// EdgeKind 边类型
type EdgeKind string

const (
	// EdgeExec carries control flow.
	EdgeExec EdgeKind = "exec"
	// EdgeData carries a typed value from an output port to an input port.
	EdgeData EdgeKind = "data"
)

// Edge (source node, source port) -> (target node, target port)
type Edge struct {
	Source     string   `json:"source" yaml:"source"`
	SourcePort string   `json:"source_port,omitempty" yaml:"source_port,omitempty"`
	Target     string   `json:"target" yaml:"target"`
	TargetPort string   `json:"target_port,omitempty" yaml:"target_port,omitempty"`
	Kind       EdgeKind `json:"kind,omitempty" yaml:"kind,omitempty"`
}

func (e Edge) String() string {
	return fmt.Sprintf("%s.%s -[%s]-> %s.%s", e.Source, e.SourcePort, e.Kind, e.Target, e.TargetPort)
}

// Graph 工作流图。构建完成（Build）后只读。
type Graph struct {
	name  string
	nodes map[string]Node
	order []string
	edges []Edge

	// exec 边按源节点索引（保持添加顺序）
	execOut map[string][]int
	execIn  map[string][]int
	dataIn  map[string][]int

	buildOnce sync.Once
	buildErr  error
	regions   map[string]*TryRegion
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{
		name:    name,
		nodes:   make(map[string]Node),
		execOut: make(map[string][]int),
		execIn:  make(map[string][]int),
		dataIn:  make(map[string][]int),
	}
}

// Name returns the workflow name.
func (g *Graph) Name() string { return g.name }

// AddNode adds a node, declaring and freezing its ports.
func (g *Graph) AddNode(n Node) error {
	if n == nil || n.ID() == "" {
		return types.NewError(types.ErrInvalidGraph, "node must have an id")
	}
	if _, exists := g.nodes[n.ID()]; exists {
		return types.Errorf(types.ErrInvalidGraph, "duplicate node id %q", n.ID())
	}
	if !n.Ports().Frozen() {
		n.DefinePorts()
		n.Ports().Freeze()
	}
	g.nodes[n.ID()] = n
	g.order = append(g.order, n.ID())
	return nil
}

// AddEdge adds an edge after checking both endpoints and their ports.
// Empty exec port names default to exec_out / exec_in.
func (g *Graph) AddEdge(e Edge) error {
	if e.Kind == "" {
		e.Kind = EdgeExec
	}
	if e.Kind == EdgeExec {
		if e.SourcePort == "" {
			e.SourcePort = PortExecOut
		}
		if e.TargetPort == "" {
			e.TargetPort = PortExecIn
		}
	}

	src, ok := g.nodes[e.Source]
	if !ok {
		return types.Errorf(types.ErrNodeNotFound, "edge %s: source node not found", e)
	}
	dst, ok := g.nodes[e.Target]
	if !ok {
		return types.Errorf(types.ErrNodeNotFound, "edge %s: target node not found", e)
	}

	out, ok := src.Ports().Output(e.SourcePort)
	if !ok {
		return types.Errorf(types.ErrInvalidGraph, "edge %s: node %q has no output port %q", e, e.Source, e.SourcePort)
	}
	in, ok := dst.Ports().Input(e.TargetPort)
	if !ok {
		return types.Errorf(types.ErrInvalidGraph, "edge %s: node %q has no input port %q", e, e.Target, e.TargetPort)
	}
	if string(out.Kind) != string(e.Kind) || string(in.Kind) != string(e.Kind) {
		return types.Errorf(types.ErrInvalidGraph, "edge %s: port kinds %s/%s do not match edge kind", e, out.Kind, in.Kind)
	}
	if e.Kind == EdgeData {
		if !out.DataType.Compatible(in.DataType) {
			return types.Errorf(types.ErrInvalidGraph, "edge %s: %s is not assignable to %s", e, out.DataType, in.DataType)
		}
		for _, idx := range g.dataIn[e.Target] {
			if g.edges[idx].TargetPort == e.TargetPort {
				return types.Errorf(types.ErrInvalidGraph, "edge %s: input port already connected", e)
			}
		}
	}

	g.edges = append(g.edges, e)
	idx := len(g.edges) - 1
	switch e.Kind {
	case EdgeExec:
		g.execOut[e.Source] = append(g.execOut[e.Source], idx)
		g.execIn[e.Target] = append(g.execIn[e.Target], idx)
	case EdgeData:
		g.dataIn[e.Target] = append(g.dataIn[e.Target], idx)
	}
	return nil
}

// Connect adds an exec edge.
func (g *Graph) Connect(source, sourcePort, target string) error {
	return g.AddEdge(Edge{Source: source, SourcePort: sourcePort, Target: target, Kind: EdgeExec})
}

// ConnectData adds a data edge.
func (g *Graph) ConnectData(source, sourcePort, target, targetPort string) error {
	return g.AddEdge(Edge{Source: source, SourcePort: sourcePort, Target: target, TargetPort: targetPort, Kind: EdgeData})
}

// Node returns the node with id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns nodes in insertion order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// NodeIDs returns node ids in insertion order.
func (g *Graph) NodeIDs() []string {
	return append([]string(nil), g.order...)
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// Edges returns a copy of all edges.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// Targets returns the targets of the exec edges leaving nodeID through port.
func (g *Graph) Targets(nodeID, port string) []string {
	var out []string
	for _, idx := range g.execOut[nodeID] {
		if g.edges[idx].SourcePort == port {
			out = append(out, g.edges[idx].Target)
		}
	}
	return out
}

// Successors returns all exec successors of nodeID in edge order.
func (g *Graph) Successors(nodeID string) []string {
	out := make([]string, 0, len(g.execOut[nodeID]))
	for _, idx := range g.execOut[nodeID] {
		out = append(out, g.edges[idx].Target)
	}
	return out
}

// Predecessors returns all exec predecessors of nodeID in edge order.
func (g *Graph) Predecessors(nodeID string) []string {
	out := make([]string, 0, len(g.execIn[nodeID]))
	for _, idx := range g.execIn[nodeID] {
		out = append(out, g.edges[idx].Source)
	}
	return out
}

// DataInputs returns the data edges ending at nodeID.
func (g *Graph) DataInputs(nodeID string) []Edge {
	out := make([]Edge, 0, len(g.dataIn[nodeID]))
	for _, idx := range g.dataIn[nodeID] {
		out = append(out, g.edges[idx])
	}
	return out
}

// DataConsumers returns the targets of data edges leaving nodeID.
func (g *Graph) DataConsumers(nodeID string) []string {
	var out []string
	for _, e := range g.edges {
		if e.Kind == EdgeData && e.Source == nodeID {
			out = append(out, e.Target)
		}
	}
	return out
}

// ResourceNodes returns resource-owning nodes in insertion order.
func (g *Graph) ResourceNodes() []ResourceNode {
	var out []ResourceNode
	for _, id := range g.order {
		if rn, ok := g.nodes[id].(ResourceNode); ok {
			out = append(out, rn)
		}
	}
	return out
}

// WorkNodeIDs returns the ids of nodes the executor walks (everything except
// resource nodes), in insertion order.
func (g *Graph) WorkNodeIDs() []string {
	out := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if _, ok := g.nodes[id].(ResourceNode); !ok {
			out = append(out, id)
		}
	}
	return out
}

// Build validates the graph and resolves try regions. It runs once; later
// calls return the first result.
func (g *Graph) Build() error {
	g.buildOnce.Do(func() {
		if err := g.Validate(); err != nil {
			g.buildErr = err
			return
		}
		regions, err := BuildTryRegions(g)
		if err != nil {
			g.buildErr = err
			return
		}
		g.regions = regions
	})
	return g.buildErr
}

// Region returns the try region rooted at tryID.
func (g *Graph) Region(tryID string) (*TryRegion, bool) {
	r, ok := g.regions[tryID]
	return r, ok
}

// Validate checks that exec cycles only occur inside strongly connected
// components containing a loop construct.
func (g *Graph) Validate() error {
	if len(g.order) == 0 {
		return types.NewError(types.ErrInvalidGraph, "graph has no nodes")
	}
	for _, scc := range g.stronglyConnected() {
		cyclic := len(scc) > 1
		if len(scc) == 1 {
			for _, t := range g.Successors(scc[0]) {
				if t == scc[0] {
					cyclic = true
				}
			}
		}
		if !cyclic {
			continue
		}
		hasLoop := false
		for _, id := range scc {
			if lc, ok := g.nodes[id].(LoopConstruct); ok && lc.IsLoop() {
				hasLoop = true
				break
			}
		}
		if !hasLoop {
			return types.Errorf(types.ErrInvalidGraph, "cycle without loop construct: %s", strings.Join(scc, ", "))
		}
	}
	return nil
}

// stronglyConnected returns the exec-edge SCCs (Tarjan).
func (g *Graph) stronglyConnected() [][]string {
	index := 0
	indices := make(map[string]int, len(g.order))
	low := make(map[string]int, len(g.order))
	onStack := make(map[string]bool, len(g.order))
	var stack []string
	var result [][]string

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		low[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.Successors(v) {
			if _, seen := indices[w]; !seen {
				strongConnect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], indices[w])
			}
		}

		if low[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			result = append(result, scc)
		}
	}

	for _, id := range g.order {
		if _, seen := indices[id]; !seen {
			strongConnect(id)
		}
	}
	return result
}
