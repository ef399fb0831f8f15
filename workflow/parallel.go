package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/runflow/types"
)

// BranchOutcome 分支结束原因。停止、失败、暂停中断是三种不同的信号。
type BranchOutcome string

const (
	OutcomeCompleted BranchOutcome = "completed"
	OutcomeFailed    BranchOutcome = "failed"
	OutcomeStopped   BranchOutcome = "stopped"
	OutcomePaused    BranchOutcome = "paused"
)

// BranchResult 单个分支的执行结果
type BranchResult struct {
	Name      string        `json:"name"`
	StartNode string        `json:"start_node"`
	Outcome   BranchOutcome `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	// ErrorCode 失败错误码，资源获取超时保持 ACQUIRE_TIMEOUT
	ErrorCode  types.ErrorCode `json:"error_code,omitempty"`
	FailedNode string          `json:"failed_node,omitempty"`
	Executed   int             `json:"executed"`
}

// ParallelResult aggregates the branches of one run.
type ParallelResult struct {
	Branches []BranchResult `json:"branches"`
	// Failed 失败分支名称
	Failed []string `json:"failed,omitempty"`
}

// Stopped reports whether any branch halted on the stop flag.
func (r ParallelResult) Stopped() bool {
	for _, b := range r.Branches {
		if b.Outcome == OutcomeStopped {
			return true
		}
	}
	return false
}

// ParallelCoordinator runs each entry point as an independent branch in its
// own sibling context. A failing branch is recorded and logged; it never
// cancels its siblings.
type ParallelCoordinator struct {
	exec   *executor
	logger *zap.Logger
}

func newParallelCoordinator(x *executor, logger *zap.Logger) *ParallelCoordinator {
	return &ParallelCoordinator{
		exec:   x,
		logger: logger.With(zap.String("component", "parallel_coordinator")),
	}
}

// BranchName returns the branch name used for the entry point start.
func BranchName(start string) string {
	return fmt.Sprintf("branch:%s", start)
}

// Run executes one branch per start node concurrently and waits for all of
// them.
func (p *ParallelCoordinator) Run(ctx context.Context, root *ExecutionContext, starts []string, allow func(string) bool) ParallelResult {
	assigned := p.assignResources(starts)
	results := make([]BranchResult, len(starts))

	p.logger.Info("starting parallel branches", zap.Int("branches", len(starts)))

	// 不使用 errgroup.WithContext：一个分支失败不能取消兄弟分支
	var g errgroup.Group
	for i, start := range starts {
		name := BranchName(start)
		sibling := root.CreateWorkflowContext(name)
		g.Go(func() error {
			res := p.exec.runBranch(ctx, name, sibling, []string{start}, allow, assigned[i])
			results[i] = res
			if res.Outcome == OutcomeFailed {
				p.logger.Error("branch failed",
					zap.String("branch", name),
					zap.String("node_id", res.FailedNode),
					zap.String("error", res.Error),
				)
				root.emit(Event{
					Type:    EventBranchFailed,
					NodeID:  res.FailedNode,
					Message: res.Error,
					Data:    map[string]any{"branch": name},
				})
			}
			return nil
		})
	}
	_ = g.Wait()

	out := ParallelResult{Branches: results}
	for _, r := range results {
		if r.Outcome == OutcomeFailed {
			out.Failed = append(out.Failed, r.Name)
		}
	}
	return out
}

// assignResources decides which resource nodes each branch initializes: a
// resource node belongs to every branch that reaches one of its data
// consumers. Resource nodes with no consumer are initialized by the first
// branch only so exclusive classes are not contended by every branch.
func (p *ParallelCoordinator) assignResources(starts []string) [][]ResourceNode {
	g := p.exec.graph
	reach := make([]map[string]bool, len(starts))
	for i, s := range starts {
		reach[i] = make(map[string]bool)
		for _, id := range p.exec.orch.Forward(s) {
			reach[i][id] = true
		}
	}

	out := make([][]ResourceNode, len(starts))
	for _, rn := range g.ResourceNodes() {
		consumers := g.DataConsumers(rn.ID())
		if len(consumers) == 0 {
			if len(starts) > 0 {
				out[0] = append(out[0], rn)
			}
			continue
		}
		for i := range starts {
			for _, c := range consumers {
				if reach[i][c] {
					out[i] = append(out[i], rn)
					break
				}
			}
		}
	}
	return out
}
