package workflow

import (
	"go.uber.org/zap"

	"github.com/BaSui01/runflow/types"
	"github.com/BaSui01/runflow/workflow/checkpoint"
)

// PartialExecutor plans run-from-here executions: the subgraph downstream of
// a node and the cached state that may legitimately seed it.
type PartialExecutor struct {
	graph  *Graph
	orch   *Orchestrator
	logger *zap.Logger
}

// NewPartialExecutor creates a partial executor over g.
func NewPartialExecutor(g *Graph, logger *zap.Logger) *PartialExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PartialExecutor{
		graph:  g,
		orch:   NewOrchestrator(g),
		logger: logger.With(zap.String("component", "partial_executor")),
	}
}

// BuildSubgraphFromNode returns start and every node reachable from it over
// exec edges, in discovery order.
func (p *PartialExecutor) BuildSubgraphFromNode(start string) (*Subgraph, error) {
	if _, ok := p.graph.Node(start); !ok {
		return nil, types.Errorf(types.ErrNodeNotFound, "node %q not found", start).WithNode(start)
	}
	return NewSubgraph(p.orch.Forward(start)), nil
}

// GetPredecessors returns the nodes upstream of target (target excluded).
func (p *PartialExecutor) GetPredecessors(target string) []string {
	back := p.orch.Backward(target)
	if len(back) == 0 {
		return nil
	}
	return back[1:]
}

// SeedFromCache copies the cached variables written by nodes upstream of
// start, plus their port values, into ec. Variables without a recorded writer
// are kept; internal bookkeeping variables never are.
func (p *PartialExecutor) SeedFromCache(ec *ExecutionContext, snap *checkpoint.Snapshot, start string) (vars, ports int) {
	if snap == nil {
		return 0, 0
	}
	upstream := make(map[string]bool)
	for _, id := range p.GetPredecessors(start) {
		upstream[id] = true
	}
	// 仍在下游子图内的节点（例如循环）会重新执行，其缓存不能复用
	sub, err := p.BuildSubgraphFromNode(start)
	if err == nil {
		for _, id := range sub.IDs() {
			delete(upstream, id)
		}
	}
	vars, ports = ec.Seed(snap, func(nodeID string) bool { return upstream[nodeID] })
	p.logger.Debug("seeded partial run from cache",
		zap.String("start", start),
		zap.String("cached_run", snap.RunID),
		zap.Int("variables", vars),
		zap.Int("port_values", ports),
	)
	return vars, ports
}
