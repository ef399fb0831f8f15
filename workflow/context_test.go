package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/runflow/workflow/checkpoint"
	"github.com/BaSui01/runflow/workflow/resource"
)

func TestVariablesTrackWriters(t *testing.T) {
	v := NewVariables()
	v.Set("plain", 1)
	v.SetFrom("n1", "x", "a")
	assert.Equal(t, "", v.Origin("plain"))
	assert.Equal(t, "n1", v.Origin("x"))

	// 无来源的覆盖写清除来源
	v.Set("x", "b")
	assert.Equal(t, "", v.Origin("x"))

	v.SetFrom("n2", "x", "c")
	v.Delete("x")
	_, ok := v.Get("x")
	assert.False(t, ok)
	assert.Empty(t, v.Origins())
	assert.Equal(t, 1, v.Len())

	v.Restore(map[string]any{"k": 1}, map[string]string{"k": "n3", "ghost": "n4"})
	assert.Equal(t, map[string]string{"k": "n3"}, v.Origins())
}

func TestSetVariableAttributesCurrentNode(t *testing.T) {
	ec := NewExecutionContext("attr")
	ec.setCurrentNode("writer")
	ec.SetVariable("out", 42)
	assert.Equal(t, "writer", ec.Variables().Origin("out"))

	v, ok := ec.GetVariable("out")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestSiblingContexts(t *testing.T) {
	gates := resource.NewGates(resource.DefaultConfig())
	root := NewExecutionContext("root", WithResourceManager(resource.NewManager(resource.DefaultConfig(), resource.WithGates(gates))))
	a := root.CreateWorkflowContext("a")
	b := root.CreateWorkflowContext("b")

	a.SetVariable("shared", "from-a")
	v, ok := b.GetVariable("shared")
	require.True(t, ok)
	assert.Equal(t, "from-a", v)

	a.SetResource("res", "handle-a")
	_, ok = b.Resource("res")
	assert.False(t, ok, "resources are private to a context")
	assert.Equal(t, []string{"res"}, a.ResourceIDs())

	assert.Same(t, root.PauseGate(), a.PauseGate())
	assert.Same(t, root.StopFlag(), b.StopFlag())
	assert.NotSame(t, root.Registry(), a.Registry())
	assert.NotSame(t, a.Manager(), b.Manager())
	assert.Same(t, gates, a.Manager().Gates())
	assert.Equal(t, root.RunID(), b.RunID())

	lease, err := a.Manager().Acquire(context.Background(), resource.ClassDesktop, "n", time.Second)
	require.NoError(t, err)
	_, err = b.Manager().Acquire(context.Background(), resource.ClassDesktop, "n", 10*time.Millisecond)
	assert.ErrorIs(t, err, resource.ErrAcquireTimeout, "siblings share the session gates")
	require.NoError(t, lease.Release())

	b.Stop()
	assert.True(t, a.Stopped())
}

func TestPauseCheckpoint(t *testing.T) {
	t.Run("open gate returns immediately", func(t *testing.T) {
		ec := NewExecutionContext("open")
		assert.NoError(t, ec.PauseCheckpoint(context.Background()))
	})

	t.Run("resume wakes waiter", func(t *testing.T) {
		rec := &recorder{}
		ec := NewExecutionContext("resume", WithContextEvents(rec))
		ec.setStatus(ContextRunning)
		ec.PauseGate().Close()

		done := make(chan error, 1)
		go func() { done <- ec.PauseCheckpoint(context.Background()) }()
		require.Eventually(t, func() bool { return ec.Status() == ContextPaused }, time.Second, time.Millisecond)

		ec.PauseGate().Open()
		require.NoError(t, <-done)
		assert.Equal(t, ContextRunning, ec.Status())
		assert.Len(t, rec.ofType(EventPaused), 1)
		assert.Len(t, rec.ofType(EventResumed), 1)
	})

	t.Run("stop interrupts waiter", func(t *testing.T) {
		ec := NewExecutionContext("stop")
		ec.PauseGate().Close()
		done := make(chan error, 1)
		go func() { done <- ec.PauseCheckpoint(context.Background()) }()
		ec.Stop()
		assert.ErrorIs(t, <-done, ErrStopped)
	})

	t.Run("context cancel interrupts waiter", func(t *testing.T) {
		ec := NewExecutionContext("cancel")
		ec.PauseGate().Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, ec.PauseCheckpoint(ctx), context.DeadlineExceeded)
	})
}

func TestPauseGateIdempotent(t *testing.T) {
	g := NewPauseGate()
	assert.True(t, g.IsOpen())
	g.Close()
	g.Close()
	assert.False(t, g.IsOpen())
	g.Open()
	g.Open()
	assert.True(t, g.IsOpen())
	assert.NoError(t, g.Wait(context.Background(), nil))
}

func TestContextSnapshotAndSeed(t *testing.T) {
	ec := NewExecutionContext("snap", WithRunID("run-1"))
	ec.setCurrentNode("up")
	ec.SetVariable("keep", 1)
	ec.setCurrentNode("down")
	ec.SetVariable("drop", 2)
	ec.Variables().Set("anonymous", 3)
	ec.Variables().Set(InternalPrefix+"cursor", 4)
	ec.setPortValues("up", map[string]any{"out": "u"})
	ec.setPortValues("down", map[string]any{"out": "d"})

	snap := ec.Snapshot([]string{"up", "down"}, true)
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, "snap", snap.Workflow)
	assert.Equal(t, "down", snap.CurrentNode)
	assert.True(t, snap.Final)

	fresh := NewExecutionContext("snap")
	vars, ports := fresh.Seed(snap, func(id string) bool { return id == "up" })
	assert.Equal(t, 2, vars)
	assert.Equal(t, 1, ports)
	assert.Equal(t, map[string]any{"keep": 1, "anonymous": 3}, fresh.Variables().Snapshot())
	assert.Equal(t, "up", fresh.Variables().Origin("keep"))
	_, ok := fresh.PortValue("down", "out")
	assert.False(t, ok)

	vars, _ = NewExecutionContext("x").Seed(nil, nil)
	assert.Zero(t, vars)
}

func TestContextStateRestore(t *testing.T) {
	ec := NewExecutionContext("state")
	ec.setCurrentNode("n1")
	ec.SetVariable("a", "b")
	ec.setStatus(ContextPaused)
	st := ec.State()

	other := NewExecutionContext("state")
	other.Restore(st)
	assert.Equal(t, "n1", other.CurrentNode())
	assert.Equal(t, ContextPaused, other.Status())
	assert.Equal(t, "n1", other.Variables().Origin("a"))
}

func TestNodeState(t *testing.T) {
	ec := NewExecutionContext("ns")
	ec.NodeState("loop")["i"] = 3
	assert.Equal(t, 3, ec.NodeState("loop")["i"])
	ec.ResetNodeState("loop")
	assert.Empty(t, ec.NodeState("loop"))
}

func TestSeedFromCacheSkipsDownstreamWriters(t *testing.T) {
	g := newTestGraph(t, "seed",
		[]Node{step("A", entry()), step("L", loop(), outs("body")), step("B"), step("C")},
		"A->L", "L.body->B", "B->L", "L->C")
	require.NoError(t, g.Build())

	snap := &checkpoint.Snapshot{
		Workflow:        "seed",
		Variables:       map[string]any{"a": 1, "l": 2, "b": 3, "c": 4, "free": 5},
		VariableOrigins: map[string]string{"a": "A", "l": "L", "b": "B", "c": "C"},
		PortValues:      map[string]map[string]any{"A": {"out": 1}, "B": {"out": 2}},
	}
	p := NewPartialExecutor(g, nil)
	ec := NewExecutionContext("seed")
	// B 位于循环内：从 B 开始时 L 仍会重新执行，其写入不能复用
	vars, ports := p.SeedFromCache(ec, snap, "B")
	assert.Equal(t, 2, vars)
	assert.Equal(t, 1, ports)
	assert.Equal(t, map[string]any{"a": 1, "free": 5}, ec.Variables().Snapshot())

	assert.ElementsMatch(t, []string{"L", "A"}, p.GetPredecessors("B"))
	sub, err := p.BuildSubgraphFromNode("B")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"B", "L", "C"}, sub.IDs())

	_, err = p.BuildSubgraphFromNode("missing")
	assert.Error(t, err)
}
