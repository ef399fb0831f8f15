package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/runflow/types"
)

func chainGraph(t *testing.T) *Graph {
	g := newTestGraph(t, "chain",
		[]Node{step("A", entry()), step("B"), step("C"), step("D")},
		"A->B", "B->C", "A->D")
	require.NoError(t, g.Build())
	return g
}

func TestStateManagerModes(t *testing.T) {
	tests := []struct {
		name     string
		settings ExecutionSettings
		mode     RunMode
		starts   []string
		subgraph []string
		code     types.ErrorCode
	}{
		{name: "full", settings: DefaultSettings(), mode: ModeFull, starts: []string{"A"}},
		{name: "run to node", settings: ExecutionSettings{TargetNodeID: "C"}, mode: ModeRunToNode, starts: []string{"A"}, subgraph: []string{"A", "B", "C"}},
		{name: "single node", settings: ExecutionSettings{TargetNodeID: "D", SingleNode: true}, mode: ModeSingleNode, starts: []string{"D"}, subgraph: []string{"D"}},
		{name: "single without target", settings: ExecutionSettings{SingleNode: true}, code: types.ErrInvalidConfig},
		{name: "unknown target", settings: ExecutionSettings{TargetNodeID: "Z"}, code: types.ErrNodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStateManager(chainGraph(t), nil, nil)
			s.Begin("run")
			err := s.Configure(tt.settings)
			if tt.code != "" {
				require.Error(t, err)
				assert.Equal(t, tt.code, types.GetErrorCode(err))
				sum := s.GetExecutionSummary()
				assert.True(t, sum.Failed)
				assert.Equal(t, RunFailed, sum.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.mode, s.Mode())
			assert.Equal(t, tt.starts, s.StartNodes())
			assert.Equal(t, tt.subgraph, s.Subgraph().IDs())
		})
	}
}

func TestStateManagerProgressAndTarget(t *testing.T) {
	rec := &recorder{}
	s := NewStateManager(chainGraph(t), rec, nil)
	s.Begin("run-1")
	require.NoError(t, s.Configure(ExecutionSettings{TargetNodeID: "B"}))

	assert.Zero(t, s.CalculateProgress())
	s.MarkExecuted("A")
	assert.InDelta(t, 50.0, s.CalculateProgress(), 0.001)
	s.MarkExecuted("B")
	assert.InDelta(t, 100.0, s.CalculateProgress(), 0.001)

	progress := rec.ofType(EventProgress)
	require.Len(t, progress, 2)
	assert.Equal(t, "run-1", progress[1].RunID)
	assert.InDelta(t, 100.0, progress[1].Progress, 0.001)

	assert.Equal(t, RunCompleted, s.Finish())
	sum := s.GetExecutionSummary()
	assert.True(t, sum.TargetReached)
	assert.Equal(t, "B", sum.TargetNode)
	assert.Equal(t, 2, sum.TotalNodes)
	assert.Equal(t, []string{"A", "B"}, sum.ExecutedPath)
	assert.GreaterOrEqual(t, sum.Duration, time.Duration(0))
}

func TestStateManagerFirstFailureWins(t *testing.T) {
	s := NewStateManager(chainGraph(t), nil, nil)
	s.Begin("run")
	require.NoError(t, s.Configure(DefaultSettings()))
	s.MarkFailed("B", "first")
	s.MarkFailed("C", "second")
	s.MarkStopped()

	assert.Equal(t, RunFailed, s.Finish())
	sum := s.GetExecutionSummary()
	assert.Equal(t, "B", sum.FailedNode)
	assert.Equal(t, "first", sum.Error)
	assert.True(t, sum.Stopped)
	assert.Equal(t, RunFailed, s.History().Status())
}

func TestStateManagerStatusTransitions(t *testing.T) {
	s := NewStateManager(chainGraph(t), nil, nil)
	s.Begin("run")
	require.NoError(t, s.Configure(DefaultSettings()))
	assert.Equal(t, RunRunning, s.GetExecutionSummary().Status)

	s.SetPaused(true)
	assert.True(t, s.IsPaused())
	s.MarkStopped()
	assert.Equal(t, RunStopped, s.Finish())
	assert.False(t, s.IsPaused(), "finish clears pause")
}

func TestStateManagerRunFrom(t *testing.T) {
	g := chainGraph(t)
	s := NewStateManager(g, nil, nil)
	s.Begin("run")
	sub, err := NewPartialExecutor(g, nil).BuildSubgraphFromNode("B")
	require.NoError(t, err)
	s.ConfigureFrom("B", sub, DefaultSettings())

	assert.Equal(t, ModeRunFrom, s.Mode())
	assert.Equal(t, []string{"B"}, s.StartNodes())
	s.MarkExecuted("B")
	assert.InDelta(t, 50.0, s.CalculateProgress(), 0.001)
	assert.False(t, s.GetExecutionSummary().TargetReached)
}

func TestExecutionHistoryRecords(t *testing.T) {
	h := NewExecutionHistory("r1", "wf")
	first := h.RecordNodeStart("n", "step", "main", 1)
	h.RecordNodeEnd(first, RecordFailed, "boom", "retry")
	second := h.RecordNodeStart("n", "step", "main", 2)
	h.RecordNodeEnd(second, RecordCompleted, "", "")
	h.Complete(RunCompleted, "")

	nodes := h.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "retry", nodes[0].Decision)
	assert.Equal(t, "boom", nodes[0].Error)

	last, ok := h.LastForNode("n")
	require.True(t, ok)
	assert.Equal(t, 2, last.Attempt)
	assert.Equal(t, RecordCompleted, last.Status)
	_, ok = h.LastForNode("other")
	assert.False(t, ok)
	assert.Equal(t, "r1", h.RunID())
	assert.Equal(t, "wf", h.Workflow())
}

func TestExecutionHistoryStoreEvicts(t *testing.T) {
	s := NewExecutionHistoryStore(2)
	var ids []string
	for i, wf := range []string{"a", "b", "a"} {
		h := NewExecutionHistory(string(rune('x'+i)), wf)
		h.Complete(RunCompleted, "")
		s.Save(h)
		ids = append(ids, h.RunID())
		time.Sleep(time.Millisecond)
	}
	_, ok := s.Get(ids[0])
	assert.False(t, ok, "oldest evicted")

	byWF := s.ListByWorkflow("a")
	require.Len(t, byWF, 1)
	assert.Equal(t, ids[2], byWF[0].RunID())
	assert.Len(t, s.ListByStatus(RunCompleted), 2)
	assert.Empty(t, s.ListByStatus(RunFailed))
}
