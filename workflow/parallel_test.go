package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/runflow/types"
	"github.com/BaSui01/runflow/workflow/recovery"
	"github.com/BaSui01/runflow/workflow/resource"
)

func TestParallelBranchesShareVariablesNotLeases(t *testing.T) {
	var leases sync.Map
	branch := func(id string) *stepNode {
		return step(id, entry(), dataIn("res"), run(func(_ context.Context, ec *ExecutionContext) *ExecutionResult {
			h, ok := ec.Resource("br")
			if !ok {
				return Fail(recovery.CodeResourceMissing, "no browser in %s", ec.Name())
			}
			leases.Store(id, h)
			rid, _ := ec.Input("res")
			ec.SetVariable("seen_"+id, rid)
			return Succeed(nil, PortExecOut)
		}))
	}
	log := &trail{}
	br := newLeaseNode("br", resource.ClassBrowser, log)
	g := newTestGraph(t, "fanout", []Node{branch("b1"), branch("b2"), br})
	require.NoError(t, g.ConnectData("br", "resource", "b1", "res"))
	require.NoError(t, g.ConnectData("br", "resource", "b2", "res"))

	e := newTestEngine(t, g)
	sum, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, sum.Status)
	require.Len(t, sum.Branches, 2)
	for _, b := range sum.Branches {
		assert.Equal(t, OutcomeCompleted, b.Outcome, b.Name)
	}

	l1, ok := leases.Load("b1")
	require.True(t, ok)
	l2, ok := leases.Load("b2")
	require.True(t, ok)
	assert.NotSame(t, l1, l2, "each branch initializes its own lease")
	assert.True(t, l1.(*resource.Lease).Released())
	assert.True(t, l2.(*resource.Lease).Released())

	vars := e.Context().Variables().Snapshot()
	assert.Equal(t, "br", vars["seen_b1"])
	assert.Equal(t, "br", vars["seen_b2"])
	assert.Equal(t, 0, e.Gates().InUse(resource.ClassBrowser))
	assert.Equal(t, int32(2), br.cleaned.Load())
}

func TestParallelDesktopIsExclusive(t *testing.T) {
	var active, peak atomic.Int32
	hold := func(id string) *stepNode {
		return step(id, entry(), dataIn("desk"), run(func(context.Context, *ExecutionContext) *ExecutionResult {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return Succeed(nil, PortExecOut)
		}))
	}
	log := &trail{}
	desk := newLeaseNode("desk", resource.ClassDesktop, log)
	g := newTestGraph(t, "desktop", []Node{hold("d1"), hold("d2"), hold("d3"), desk})
	for _, id := range []string{"d1", "d2", "d3"} {
		require.NoError(t, g.ConnectData("desk", "resource", id, "desk"))
	}

	e := newTestEngine(t, g)
	sum, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, sum.Status)
	assert.Equal(t, int32(1), peak.Load())

	// 获取与释放严格交替
	marks := log.all()
	require.Len(t, marks, 6)
	for i, m := range marks {
		if i%2 == 0 {
			assert.Equal(t, "init:desk", m)
		} else {
			assert.Equal(t, "cleanup:desk", m)
		}
	}
	assert.Equal(t, 0, e.Gates().InUse(resource.ClassDesktop))
}

func TestParallelFailureDoesNotCancelSiblings(t *testing.T) {
	slow := step("slow", entry(), run(func(ctx context.Context, _ *ExecutionContext) *ExecutionResult {
		select {
		case <-time.After(30 * time.Millisecond):
			return Succeed(nil, PortExecOut)
		case <-ctx.Done():
			return Fail(recovery.CodeExecutionFailed, "canceled")
		}
	}))
	after := step("after")
	bad := step("bad", entry(), failing(recovery.CodeInvalidData, "invalid sheet"))
	rec := &recorder{}
	g := newTestGraph(t, "siblings", []Node{bad, slow, after}, "slow->after")

	e := newTestEngine(t, g, WithEventSink(rec))
	sum, err := e.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrBranchFailed, types.GetErrorCode(err))
	assert.Equal(t, RunFailed, sum.Status)
	assert.Equal(t, "bad", sum.FailedNode)
	assert.Contains(t, sum.Error, BranchName("bad"))

	assert.Equal(t, int32(1), after.calls.Load())
	require.Len(t, sum.Branches, 2)
	outcomes := map[string]BranchOutcome{}
	for _, b := range sum.Branches {
		outcomes[b.Name] = b.Outcome
	}
	assert.Equal(t, OutcomeFailed, outcomes[BranchName("bad")])
	assert.Equal(t, OutcomeCompleted, outcomes[BranchName("slow")])

	failed := rec.ofType(EventBranchFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, BranchName("bad"), failed[0].Data["branch"])
}

func TestParallelResourceWithoutConsumerGoesToFirstBranch(t *testing.T) {
	log := &trail{}
	g := newTestGraph(t, "orphan",
		[]Node{step("x", entry()), step("y", entry()), newLeaseNode("desk", resource.ClassDesktop, log)})
	_, err := newTestEngine(t, g).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"init:desk", "cleanup:desk"}, log.all())
}

func TestParallelStopReachesEveryBranch(t *testing.T) {
	var e *Engine
	release := make(chan struct{})
	tail := step("tail")
	g := newTestGraph(t, "stop-all",
		[]Node{
			step("stopper", entry(), run(func(context.Context, *ExecutionContext) *ExecutionResult {
				e.Stop()
				close(release)
				return Succeed(nil, PortExecOut)
			})),
			step("waiter", entry(), run(func(context.Context, *ExecutionContext) *ExecutionResult {
				<-release
				return Succeed(nil, PortExecOut)
			})),
			step("next"),
			tail,
		},
		"stopper->next", "waiter->tail")
	e = newTestEngine(t, g)

	sum, err := e.Run(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, RunStopped, sum.Status)
	assert.Equal(t, int32(0), tail.calls.Load())
	for _, b := range sum.Branches {
		assert.Equal(t, OutcomeStopped, b.Outcome, b.Name)
	}
}
