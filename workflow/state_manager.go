package workflow

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/runflow/types"
)

// RunMode 运行模式
type RunMode string

const (
	ModeFull       RunMode = "full"
	ModeRunToNode  RunMode = "run_to_node"
	ModeSingleNode RunMode = "single_node"
	ModeRunFrom    RunMode = "run_from"
)

// RunStatus 运行状态
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
	// RunInterrupted 暂停期间外部 context 结束
	RunInterrupted RunStatus = "interrupted"
)

// ExecutionSettings are copied into the run when it starts and never change
// during it.
type ExecutionSettings struct {
	// ContinueOnError 为 true 时 SKIP 决策沿默认执行端口继续，否则升级为 ABORT
	ContinueOnError bool `yaml:"continue_on_error" json:"continue_on_error"`
	// NodeTimeout 单节点超时（0 表示不限）
	NodeTimeout time.Duration `yaml:"node_timeout" json:"node_timeout"`
	// TargetNodeID 运行到指定节点
	TargetNodeID string `yaml:"target_node_id" json:"target_node_id,omitempty"`
	// SingleNode 仅运行 TargetNodeID
	SingleNode bool `yaml:"single_node" json:"single_node"`
	// MaxRetries 瞬时错误最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// MaxNodeExecutions 单分支节点执行次数上限，防止失控循环
	MaxNodeExecutions int `yaml:"max_node_executions" json:"max_node_executions"`
}

// DefaultSettings returns the default execution settings.
func DefaultSettings() ExecutionSettings {
	return ExecutionSettings{
		MaxRetries:        3,
		MaxNodeExecutions: 10000,
	}
}

// ExecutionSummary 运行摘要
type ExecutionSummary struct {
	Name            string          `json:"name"`
	RunID           string          `json:"run_id"`
	Mode            RunMode         `json:"mode"`
	Status          RunStatus       `json:"status"`
	ExecutedNodes   int             `json:"executed_nodes"`
	TotalNodes      int             `json:"total_nodes"`
	Progress        float64         `json:"progress"`
	StartTime       time.Time       `json:"start_time"`
	Duration        time.Duration   `json:"duration"`
	Failed          bool            `json:"failed"`
	Error           string          `json:"error,omitempty"`
	FailedNode      string          `json:"failed_node,omitempty"`
	Stopped         bool            `json:"stopped"`
	Interrupted     bool            `json:"interrupted"`
	InterruptedNode string          `json:"interrupted_node,omitempty"`
	TargetReached   bool            `json:"target_reached"`
	TargetNode      string          `json:"target_node,omitempty"`
	ExecutedPath    []string        `json:"executed_path,omitempty"`
	Branches        []BranchResult  `json:"branches,omitempty"`
	History         []NodeExecution `json:"history,omitempty"`
}

// StateManager tracks one run: the selected node set, the executed path,
// failure, stop, pause and target state.
type StateManager struct {
	mu       sync.RWMutex
	graph    *Graph
	orch     *Orchestrator
	events   EventSink
	logger   *zap.Logger
	settings ExecutionSettings
	mode     RunMode
	subgraph *Subgraph
	starts   []string

	runID         string
	startTime     time.Time
	endTime       time.Time
	path          []string
	executed      map[string]bool
	failed        bool
	errMsg        string
	failedNode    string
	stopped       bool
	interrupted   bool
	interruptedAt string
	paused        bool
	targetReached bool
	finished      bool
	branches      []BranchResult
	history       *ExecutionHistory
}

// NewStateManager creates a state manager for g.
func NewStateManager(g *Graph, events EventSink, logger *zap.Logger) *StateManager {
	if events == nil {
		events = NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateManager{
		graph:    g,
		orch:     NewOrchestrator(g),
		events:   events,
		logger:   logger.With(zap.String("component", "state_manager")),
		settings: DefaultSettings(),
		mode:     ModeFull,
		executed: make(map[string]bool),
	}
}

// Configure selects the run mode from settings and computes the subgraph.
// An unreachable target or a missing start node is a configuration failure;
// it is recorded on the summary and never downgraded to a full run.
func (s *StateManager) Configure(settings ExecutionSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings

	switch {
	case settings.SingleNode:
		if settings.TargetNodeID == "" {
			return s.configFailedLocked(types.NewError(types.ErrInvalidConfig, "single-node run requires a target node"))
		}
		if _, ok := s.graph.Node(settings.TargetNodeID); !ok {
			return s.configFailedLocked(types.Errorf(types.ErrNodeNotFound, "target node %q not found", settings.TargetNodeID))
		}
		s.mode = ModeSingleNode
		s.subgraph = NewSubgraph([]string{settings.TargetNodeID})
		s.starts = []string{settings.TargetNodeID}

	case settings.TargetNodeID != "":
		target := settings.TargetNodeID
		if _, ok := s.graph.Node(target); !ok {
			return s.configFailedLocked(types.Errorf(types.ErrNodeNotFound, "target node %q not found", target))
		}
		s.mode = ModeRunToNode
		starts := s.orch.FindAllStartNodes()
		if len(starts) == 0 {
			s.subgraph = NewSubgraph(nil)
			return s.configFailedLocked(types.Errorf(types.ErrNoStartNode, "workflow %q has no start node", s.graph.Name()))
		}
		var ids []string
		s.starts = nil
		for _, st := range starts {
			path := s.orch.CalculateExecutionPath(st, target)
			if len(path) > 0 {
				s.starts = append(s.starts, st)
				ids = append(ids, path...)
			}
		}
		s.subgraph = NewSubgraph(ids)
		if s.subgraph.Len() == 0 {
			return s.configFailedLocked(types.Errorf(types.ErrUnreachableTarget,
				"target node %q is unreachable from any start node", target).WithNode(target))
		}

	default:
		s.mode = ModeFull
		s.subgraph = nil
		s.starts = s.orch.FindAllStartNodes()
		if len(s.starts) == 0 {
			return s.configFailedLocked(types.Errorf(types.ErrNoStartNode, "workflow %q has no start node", s.graph.Name()))
		}
	}
	return nil
}

// ConfigureFrom selects a run-from-here partial run over sub.
func (s *StateManager) ConfigureFrom(start string, sub *Subgraph, settings ExecutionSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	s.mode = ModeRunFrom
	s.subgraph = sub
	s.starts = []string{start}
}

func (s *StateManager) configFailedLocked(err *types.Error) error {
	s.failed = true
	s.errMsg = err.Error()
	s.finished = true
	s.logger.Error("run configuration failed", zap.Error(err))
	return err
}

// Begin starts the clock.
func (s *StateManager) Begin(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = runID
	s.startTime = time.Now()
	s.history = NewExecutionHistory(runID, s.graph.Name())
}

// StartNodes returns the nodes the walk is seeded with.
func (s *StateManager) StartNodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.starts...)
}

// Mode returns the configured mode.
func (s *StateManager) Mode() RunMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Subgraph returns the selected subgraph, nil for a full run.
func (s *StateManager) Subgraph() *Subgraph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subgraph
}

// Settings returns the run settings.
func (s *StateManager) Settings() ExecutionSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// History returns the run's execution history.
func (s *StateManager) History() *ExecutionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history
}

// MarkExecuted appends nodeID to the executed path and emits progress.
func (s *StateManager) MarkExecuted(nodeID string) {
	s.mu.Lock()
	s.path = append(s.path, nodeID)
	s.executed[nodeID] = true
	if s.mode != ModeFull && s.mode != ModeRunFrom && nodeID == s.settings.TargetNodeID {
		s.targetReached = true
	}
	progress := s.progressLocked()
	runID := s.runID
	s.mu.Unlock()

	s.events.Emit(Event{
		Type:      EventProgress,
		RunID:     runID,
		Workflow:  s.graph.Name(),
		NodeID:    nodeID,
		Progress:  progress,
		Timestamp: time.Now(),
	})
}

// MarkFailed records the first failure of the run.
func (s *StateManager) MarkFailed(nodeID, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return
	}
	s.failed = true
	s.failedNode = nodeID
	s.errMsg = errMsg
}

// MarkStopped records a deliberate stop.
func (s *StateManager) MarkStopped() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// MarkInterrupted records that the run's context ended while a branch waited
// at the pause gate before nodeID. The reason is kept only when no failure
// was recorded.
func (s *StateManager) MarkInterrupted(nodeID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interrupted {
		return
	}
	s.interrupted = true
	s.interruptedAt = nodeID
	if !s.failed {
		s.errMsg = reason
	}
}

// SetPaused records the pause state.
func (s *StateManager) SetPaused(p bool) {
	s.mu.Lock()
	s.paused = p
	s.mu.Unlock()
}

// IsPaused reports the pause state.
func (s *StateManager) IsPaused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

// SetBranches records per-branch results of a parallel run.
func (s *StateManager) SetBranches(b []BranchResult) {
	s.mu.Lock()
	s.branches = append([]BranchResult(nil), b...)
	s.mu.Unlock()
}

// Finish stops the clock and returns the final status.
func (s *StateManager) Finish() RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endTime = time.Now()
	s.finished = true
	s.paused = false
	status := s.statusLocked()
	if s.history != nil {
		s.history.Complete(status, s.errMsg)
	}
	return status
}

func (s *StateManager) statusLocked() RunStatus {
	switch {
	case s.failed:
		return RunFailed
	case s.stopped:
		return RunStopped
	case s.interrupted:
		return RunInterrupted
	case s.finished:
		return RunCompleted
	default:
		return RunRunning
	}
}

// ExecutedPath returns the executed node ids in order.
func (s *StateManager) ExecutedPath() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.path...)
}

// CalculateProgress returns the percentage of the selected subgraph (or of
// the full graph's work nodes) executed so far.
func (s *StateManager) CalculateProgress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progressLocked()
}

func (s *StateManager) progressLocked() float64 {
	var total []string
	if s.subgraph != nil {
		total = s.subgraph.IDs()
	} else {
		total = s.graph.WorkNodeIDs()
	}
	if len(total) == 0 {
		return 0
	}
	done := 0
	for _, id := range total {
		if s.executed[id] {
			done++
		}
	}
	return float64(done) * 100 / float64(len(total))
}

func (s *StateManager) totalLocked() int {
	if s.subgraph != nil {
		return s.subgraph.Len()
	}
	return len(s.graph.WorkNodeIDs())
}

// GetExecutionSummary returns the run summary.
func (s *StateManager) GetExecutionSummary() ExecutionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	end := s.endTime
	if end.IsZero() {
		end = time.Now()
	}
	var duration time.Duration
	if !s.startTime.IsZero() {
		duration = end.Sub(s.startTime)
	}
	sum := ExecutionSummary{
		Name:            s.graph.Name(),
		RunID:           s.runID,
		Mode:            s.mode,
		Status:          s.statusLocked(),
		ExecutedNodes:   len(s.executed),
		TotalNodes:      s.totalLocked(),
		Progress:        s.progressLocked(),
		StartTime:       s.startTime,
		Duration:        duration,
		Failed:          s.failed,
		Error:           s.errMsg,
		FailedNode:      s.failedNode,
		Stopped:         s.stopped,
		Interrupted:     s.interrupted,
		InterruptedNode: s.interruptedAt,
		TargetReached:   s.targetReached,
		TargetNode:      s.settings.TargetNodeID,
		ExecutedPath:    append([]string(nil), s.path...),
		Branches:        append([]BranchResult(nil), s.branches...),
	}
	if s.history != nil {
		sum.History = s.history.Nodes()
	}
	return sum
}
