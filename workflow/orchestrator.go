package workflow

import (
	"github.com/BaSui01/runflow/types"
)

// Orchestrator answers pure graph queries over a fixed graph.
type Orchestrator struct {
	graph *Graph
}

// NewOrchestrator creates an orchestrator for g.
func NewOrchestrator(g *Graph) *Orchestrator {
	return &Orchestrator{graph: g}
}

// FindAllStartNodes returns the entry-flagged nodes in insertion order.
func (o *Orchestrator) FindAllStartNodes() []string {
	var out []string
	for _, n := range o.graph.Nodes() {
		if e, ok := n.(EntryNode); ok && e.IsEntry() {
			out = append(out, n.ID())
		}
	}
	return out
}

// FindStartNode returns the first entry node.
func (o *Orchestrator) FindStartNode() (string, error) {
	starts := o.FindAllStartNodes()
	if len(starts) == 0 {
		return "", types.Errorf(types.ErrNoStartNode, "workflow %q has no start node", o.graph.Name())
	}
	return starts[0], nil
}

// IsParallel reports whether the graph has more than one entry point.
func (o *Orchestrator) IsParallel() bool {
	return len(o.FindAllStartNodes()) > 1
}

// Forward returns every node reachable from start over exec edges, start
// included, in BFS discovery order.
func (o *Orchestrator) Forward(start string) []string {
	return o.bfs(start, o.graph.Successors)
}

// Backward returns every node from which target is reachable, target
// included, in discovery order of the reverse traversal.
func (o *Orchestrator) Backward(target string) []string {
	return o.bfs(target, o.graph.Predecessors)
}

func (o *Orchestrator) bfs(from string, next func(string) []string) []string {
	if _, ok := o.graph.Node(from); !ok {
		return nil
	}
	seen := map[string]bool{from: true}
	out := []string{from}
	for i := 0; i < len(out); i++ {
		for _, n := range next(out[i]) {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// IsReachable reports whether b can be reached from a over exec edges.
func (o *Orchestrator) IsReachable(a, b string) bool {
	for _, id := range o.Forward(a) {
		if id == b {
			return true
		}
	}
	return false
}

// CalculateExecutionPath returns the nodes lying on some path start -> target,
// in forward discovery order. It is empty when target is unreachable.
func (o *Orchestrator) CalculateExecutionPath(start, target string) []string {
	back := make(map[string]bool)
	for _, id := range o.Backward(target) {
		back[id] = true
	}
	if !back[start] {
		return nil
	}
	var out []string
	for _, id := range o.Forward(start) {
		if back[id] {
			out = append(out, id)
		}
	}
	return out
}

// NextNodes resolves the exec output ports named by a result into target node
// ids, in port order then edge order.
func (o *Orchestrator) NextNodes(nodeID string, ports []string) []string {
	var out []string
	for _, p := range ports {
		out = append(out, o.graph.Targets(nodeID, p)...)
	}
	return out
}

// Subgraph 部分执行选中的节点集合，构造后不可变
type Subgraph struct {
	ids []string
	set map[string]struct{}
}

// NewSubgraph creates a subgraph; duplicate ids keep their first position.
func NewSubgraph(ids []string) *Subgraph {
	s := &Subgraph{set: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if _, dup := s.set[id]; dup {
			continue
		}
		s.set[id] = struct{}{}
		s.ids = append(s.ids, id)
	}
	return s
}

// Contains reports membership. A nil subgraph contains every node.
func (s *Subgraph) Contains(id string) bool {
	if s == nil {
		return true
	}
	_, ok := s.set[id]
	return ok
}

// IDs returns the ordered node ids.
func (s *Subgraph) IDs() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.ids...)
}

// Len returns the number of nodes.
func (s *Subgraph) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}
