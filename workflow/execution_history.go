package workflow

import (
	"sort"
	"sync"
	"time"
)

// RecordStatus 节点执行记录状态
type RecordStatus string

const (
	RecordRunning   RecordStatus = "running"
	RecordCompleted RecordStatus = "completed"
	RecordFailed    RecordStatus = "failed"
	RecordSkipped   RecordStatus = "skipped"
	RecordStopped   RecordStatus = "stopped"
)

// NodeExecution records one attempt of one node.
type NodeExecution struct {
	NodeID    string        `json:"node_id"`
	NodeType  string        `json:"node_type"`
	Branch    string        `json:"branch"`
	Attempt   int           `json:"attempt"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Status    RecordStatus  `json:"status"`
	Error     string        `json:"error,omitempty"`
	Decision  string        `json:"decision,omitempty"`
}

// ExecutionHistory records every node attempt of one run.
type ExecutionHistory struct {
	mu        sync.RWMutex
	runID     string
	workflow  string
	startTime time.Time
	endTime   time.Time
	status    RunStatus
	errMsg    string
	nodes     []*NodeExecution
}

// NewExecutionHistory creates a history for a run.
func NewExecutionHistory(runID, workflow string) *ExecutionHistory {
	return &ExecutionHistory{
		runID:     runID,
		workflow:  workflow,
		startTime: time.Now(),
		status:    RunRunning,
	}
}

// RunID returns the run id.
func (h *ExecutionHistory) RunID() string { return h.runID }

// Workflow returns the workflow name.
func (h *ExecutionHistory) Workflow() string { return h.workflow }

// RecordNodeStart records the start of an attempt.
func (h *ExecutionHistory) RecordNodeStart(nodeID, nodeType, branch string, attempt int) *NodeExecution {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := &NodeExecution{
		NodeID:    nodeID,
		NodeType:  nodeType,
		Branch:    branch,
		Attempt:   attempt,
		StartTime: time.Now(),
		Status:    RecordRunning,
	}
	h.nodes = append(h.nodes, rec)
	return rec
}

// RecordNodeEnd records the end of an attempt.
func (h *ExecutionHistory) RecordNodeEnd(rec *NodeExecution, status RecordStatus, errMsg, decision string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec.EndTime = time.Now()
	rec.Duration = rec.EndTime.Sub(rec.StartTime)
	rec.Status = status
	rec.Error = errMsg
	rec.Decision = decision
}

// Complete marks the run finished.
func (h *ExecutionHistory) Complete(status RunStatus, errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endTime = time.Now()
	h.status = status
	h.errMsg = errMsg
}

// Status returns the run status.
func (h *ExecutionHistory) Status() RunStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// StartTime returns when the run started.
func (h *ExecutionHistory) StartTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.startTime
}

// Nodes returns copies of the attempt records in start order.
func (h *ExecutionHistory) Nodes() []NodeExecution {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]NodeExecution, len(h.nodes))
	for i, n := range h.nodes {
		out[i] = *n
	}
	return out
}

// LastForNode returns the most recent attempt of nodeID.
func (h *ExecutionHistory) LastForNode(nodeID string) (NodeExecution, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := len(h.nodes) - 1; i >= 0; i-- {
		if h.nodes[i].NodeID == nodeID {
			return *h.nodes[i], true
		}
	}
	return NodeExecution{}, false
}

// ExecutionHistoryStore keeps the most recent run histories in memory.
type ExecutionHistoryStore struct {
	mu        sync.RWMutex
	histories map[string]*ExecutionHistory
	limit     int
}

// NewExecutionHistoryStore creates a store keeping at most limit histories
// (<=0: unbounded).
func NewExecutionHistoryStore(limit int) *ExecutionHistoryStore {
	return &ExecutionHistoryStore{histories: make(map[string]*ExecutionHistory), limit: limit}
}

// Save stores h, evicting the oldest history when over the limit.
func (s *ExecutionHistoryStore) Save(h *ExecutionHistory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories[h.runID] = h
	if s.limit > 0 && len(s.histories) > s.limit {
		var oldest *ExecutionHistory
		for _, x := range s.histories {
			if oldest == nil || x.StartTime().Before(oldest.StartTime()) {
				oldest = x
			}
		}
		delete(s.histories, oldest.runID)
	}
}

// Get returns the history of runID.
func (s *ExecutionHistoryStore) Get(runID string) (*ExecutionHistory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[runID]
	return h, ok
}

// ListByWorkflow returns the histories of workflow, newest first.
func (s *ExecutionHistoryStore) ListByWorkflow(workflow string) []*ExecutionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ExecutionHistory
	for _, h := range s.histories {
		if h.workflow == workflow {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime().After(out[j].StartTime()) })
	return out
}

// ListByStatus returns histories with the given status.
func (s *ExecutionHistoryStore) ListByStatus(status RunStatus) []*ExecutionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ExecutionHistory
	for _, h := range s.histories {
		if h.Status() == status {
			out = append(out, h)
		}
	}
	return out
}
