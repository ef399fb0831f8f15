package workflow

import (
	"context"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/runflow/workflow/checkpoint"
	"github.com/BaSui01/runflow/workflow/resource"
)

// InternalPrefix marks bookkeeping variables that are never seeded from a
// cached run.
const InternalPrefix = "__"

// ContextStatus 执行上下文状态
type ContextStatus string

const (
	ContextIdle      ContextStatus = "idle"
	ContextRunning   ContextStatus = "running"
	ContextPaused    ContextStatus = "paused"
	ContextStopped   ContextStatus = "stopped"
	ContextCompleted ContextStatus = "completed"
	ContextFailed    ContextStatus = "failed"
)

// Variables is the variable map shared by sibling contexts. Writes from
// concurrent branches are last-writer-wins; the mutex only protects memory.
type Variables struct {
	mu      sync.RWMutex
	values  map[string]any
	origins map[string]string
}

// NewVariables creates an empty variable map.
func NewVariables() *Variables {
	return &Variables{values: make(map[string]any), origins: make(map[string]string)}
}

// Get 读取变量
func (v *Variables) Get(name string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.values[name]
	return val, ok
}

// Set 写入变量（来源未知）
func (v *Variables) Set(name string, value any) {
	v.SetFrom("", name, value)
}

// SetFrom writes a variable and records the node that wrote it.
func (v *Variables) SetFrom(nodeID, name string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.values[name] = value
	if nodeID == "" {
		delete(v.origins, name)
	} else {
		v.origins[name] = nodeID
	}
}

// Delete 删除变量
func (v *Variables) Delete(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.values, name)
	delete(v.origins, name)
}

// Origin returns the node that last wrote name, or "".
func (v *Variables) Origin(name string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.origins[name]
}

// Snapshot returns a shallow copy of the values.
func (v *Variables) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return maps.Clone(v.values)
}

// Origins returns a copy of the writer map.
func (v *Variables) Origins() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return maps.Clone(v.origins)
}

// Len returns the number of variables.
func (v *Variables) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.values)
}

// Restore replaces the whole map.
func (v *Variables) Restore(values map[string]any, origins map[string]string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.values = make(map[string]any, len(values))
	maps.Copy(v.values, values)
	v.origins = make(map[string]string, len(origins))
	for k, o := range origins {
		if _, ok := v.values[k]; ok {
			v.origins[k] = o
		}
	}
}

// ContextState is the serializable part of an execution context.
type ContextState struct {
	Workflow        string            `json:"workflow"`
	RunID           string            `json:"run_id"`
	CurrentNode     string            `json:"current_node,omitempty"`
	Status          ContextStatus     `json:"status"`
	Variables       map[string]any    `json:"variables"`
	VariableOrigins map[string]string `json:"variable_origins,omitempty"`
}

// ExecutionContext 单次运行（或一个并行分支）的可变状态。
//
// 变量表与兄弟上下文共享；资源表、资源注册表和资源管理器（租约）为本上下文私有。
type ExecutionContext struct {
	name   string
	runID  string
	vars   *Variables
	stop   *StopFlag
	pause  *PauseGate
	events EventSink
	logger *zap.Logger

	manager  *resource.Manager
	registry *ResourceRegistry

	mu          sync.RWMutex
	resources   map[string]any
	currentNode string
	status      ContextStatus
	nodeState   map[string]map[string]any
	portValues  map[string]map[string]any
	inputs      map[string]any
	tries       []*tryState
}

// ContextOption configures an ExecutionContext.
type ContextOption func(*ExecutionContext)

// WithRunID sets the run id.
func WithRunID(id string) ContextOption {
	return func(ec *ExecutionContext) { ec.runID = id }
}

// WithVariables shares an existing variable map.
func WithVariables(v *Variables) ContextOption {
	return func(ec *ExecutionContext) {
		if v != nil {
			ec.vars = v
		}
	}
}

// WithPauseGate shares a pause gate.
func WithPauseGate(g *PauseGate) ContextOption {
	return func(ec *ExecutionContext) {
		if g != nil {
			ec.pause = g
		}
	}
}

// WithStopFlag shares a stop flag.
func WithStopFlag(f *StopFlag) ContextOption {
	return func(ec *ExecutionContext) {
		if f != nil {
			ec.stop = f
		}
	}
}

// WithContextEvents sets the event sink.
func WithContextEvents(s EventSink) ContextOption {
	return func(ec *ExecutionContext) {
		if s != nil {
			ec.events = s
		}
	}
}

// WithResourceManager sets the context's resource manager.
func WithResourceManager(m *resource.Manager) ContextOption {
	return func(ec *ExecutionContext) {
		if m != nil {
			ec.manager = m
		}
	}
}

// WithContextLogger sets the logger.
func WithContextLogger(l *zap.Logger) ContextOption {
	return func(ec *ExecutionContext) {
		if l != nil {
			ec.logger = l
		}
	}
}

// NewExecutionContext creates a root context.
func NewExecutionContext(name string, opts ...ContextOption) *ExecutionContext {
	ec := &ExecutionContext{
		name:       name,
		vars:       NewVariables(),
		stop:       NewStopFlag(),
		pause:      NewPauseGate(),
		events:     NopSink{},
		logger:     zap.NewNop(),
		resources:  make(map[string]any),
		status:     ContextIdle,
		nodeState:  make(map[string]map[string]any),
		portValues: make(map[string]map[string]any),
	}
	for _, opt := range opts {
		opt(ec)
	}
	if ec.runID == "" {
		ec.runID = uuid.NewString()
	}
	if ec.manager == nil {
		ec.manager = resource.NewManager(resource.DefaultConfig(), resource.WithLogger(ec.logger))
	}
	ec.registry = NewResourceRegistry(ec.logger)
	ec.logger = ec.logger.With(zap.String("workflow", name), zap.String("run_id", ec.runID))
	return ec
}

// CreateWorkflowContext derives a sibling context. The sibling shares the
// variables, pause gate, stop flag and event sink, and owns a fresh resources
// map, resource registry and derived resource manager.
func (ec *ExecutionContext) CreateWorkflowContext(name string) *ExecutionContext {
	return NewExecutionContext(name,
		WithRunID(ec.runID),
		WithVariables(ec.vars),
		WithPauseGate(ec.pause),
		WithStopFlag(ec.stop),
		WithContextEvents(ec.events),
		WithResourceManager(ec.manager.Derive()),
		WithContextLogger(ec.logger),
	)
}

func (ec *ExecutionContext) Name() string                { return ec.name }
func (ec *ExecutionContext) RunID() string               { return ec.runID }
func (ec *ExecutionContext) Variables() *Variables       { return ec.vars }
func (ec *ExecutionContext) Manager() *resource.Manager  { return ec.manager }
func (ec *ExecutionContext) Registry() *ResourceRegistry { return ec.registry }
func (ec *ExecutionContext) PauseGate() *PauseGate       { return ec.pause }
func (ec *ExecutionContext) StopFlag() *StopFlag         { return ec.stop }
func (ec *ExecutionContext) Logger() *zap.Logger         { return ec.logger }

// GetVariable 读取变量
func (ec *ExecutionContext) GetVariable(name string) (any, bool) {
	return ec.vars.Get(name)
}

// SetVariable writes a variable attributed to the current node.
func (ec *ExecutionContext) SetVariable(name string, value any) {
	ec.vars.SetFrom(ec.CurrentNode(), name, value)
}

// Resource returns the handle registered under resourceID in this context.
func (ec *ExecutionContext) Resource(resourceID string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	h, ok := ec.resources[resourceID]
	return h, ok
}

// SetResource stores a handle in this context's private resources map.
func (ec *ExecutionContext) SetResource(resourceID string, handle any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.resources[resourceID] = handle
}

// DeleteResource removes a handle.
func (ec *ExecutionContext) DeleteResource(resourceID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	delete(ec.resources, resourceID)
}

// ResourceIDs returns the ids currently in the resources map.
func (ec *ExecutionContext) ResourceIDs() []string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make([]string, 0, len(ec.resources))
	for id := range ec.resources {
		out = append(out, id)
	}
	return out
}

// CurrentNode returns the node being executed.
func (ec *ExecutionContext) CurrentNode() string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.currentNode
}

func (ec *ExecutionContext) setCurrentNode(id string) {
	ec.mu.Lock()
	ec.currentNode = id
	ec.mu.Unlock()
}

// Status returns the context status.
func (ec *ExecutionContext) Status() ContextStatus {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.status
}

func (ec *ExecutionContext) setStatus(s ContextStatus) {
	ec.mu.Lock()
	ec.status = s
	ec.mu.Unlock()
}

// Stop raises the shared stop flag.
func (ec *ExecutionContext) Stop() { ec.stop.Set() }

// Stopped reports whether the shared stop flag is raised.
func (ec *ExecutionContext) Stopped() bool { return ec.stop.IsSet() }

// PauseCheckpoint suspends while the pause gate is closed. It emits paused on
// suspend and resumed on wake, and returns early on stop or ctx end.
func (ec *ExecutionContext) PauseCheckpoint(ctx context.Context) error {
	if ec.pause.IsOpen() {
		return nil
	}
	prev := ec.Status()
	ec.setStatus(ContextPaused)
	ec.emit(Event{Type: EventPaused, NodeID: ec.CurrentNode()})
	ec.logger.Info("execution paused", zap.String("node_id", ec.CurrentNode()))

	err := ec.pause.Wait(ctx, ec.stop.Done())
	if err != nil {
		return err
	}
	ec.setStatus(prev)
	ec.emit(Event{Type: EventResumed, NodeID: ec.CurrentNode()})
	ec.logger.Info("execution resumed", zap.String("node_id", ec.CurrentNode()))
	return nil
}

// NodeState returns per-context scratch state for nodeID (loop counters,
// caught errors). It is created on first use.
func (ec *ExecutionContext) NodeState(nodeID string) map[string]any {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	st, ok := ec.nodeState[nodeID]
	if !ok {
		st = make(map[string]any)
		ec.nodeState[nodeID] = st
	}
	return st
}

// ResetNodeState clears nodeID's scratch state.
func (ec *ExecutionContext) ResetNodeState(nodeID string) {
	ec.mu.Lock()
	delete(ec.nodeState, nodeID)
	ec.mu.Unlock()
}

// Input returns the value delivered to the current node's data input port.
func (ec *ExecutionContext) Input(port string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.inputs[port]
	return v, ok
}

func (ec *ExecutionContext) setInputs(in map[string]any) {
	ec.mu.Lock()
	ec.inputs = in
	ec.mu.Unlock()
}

// PortValue returns the last value nodeID produced on port.
func (ec *ExecutionContext) PortValue(nodeID, port string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.portValues[nodeID][port]
	return v, ok
}

func (ec *ExecutionContext) setPortValues(nodeID string, data map[string]any) {
	if len(data) == 0 {
		return
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	m, ok := ec.portValues[nodeID]
	if !ok {
		m = make(map[string]any, len(data))
		ec.portValues[nodeID] = m
	}
	maps.Copy(m, data)
}

// PortValues returns a copy of every stored port value.
func (ec *ExecutionContext) PortValues() map[string]map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]map[string]any, len(ec.portValues))
	for id, m := range ec.portValues {
		out[id] = maps.Clone(m)
	}
	return out
}

// State serializes the context for checkpointing.
func (ec *ExecutionContext) State() ContextState {
	return ContextState{
		Workflow:        ec.name,
		RunID:           ec.runID,
		CurrentNode:     ec.CurrentNode(),
		Status:          ec.Status(),
		Variables:       ec.vars.Snapshot(),
		VariableOrigins: ec.vars.Origins(),
	}
}

// Restore loads variables, current node and status from a serialized state.
func (ec *ExecutionContext) Restore(st ContextState) {
	ec.vars.Restore(st.Variables, st.VariableOrigins)
	ec.mu.Lock()
	ec.currentNode = st.CurrentNode
	if st.Status != "" {
		ec.status = st.Status
	}
	ec.mu.Unlock()
}

// Snapshot builds a checkpoint snapshot of this context.
func (ec *ExecutionContext) Snapshot(executed []string, final bool) *checkpoint.Snapshot {
	st := ec.State()
	return &checkpoint.Snapshot{
		ID:              uuid.NewString(),
		RunID:           st.RunID,
		Workflow:        st.Workflow,
		CurrentNode:     st.CurrentNode,
		Status:          string(st.Status),
		Variables:       st.Variables,
		VariableOrigins: st.VariableOrigins,
		PortValues:      ec.PortValues(),
		ExecutedPath:    append([]string(nil), executed...),
		Final:           final,
		CreatedAt:       time.Now(),
	}
}

// Seed copies cached variables and port values into this context. Variables
// prefixed with InternalPrefix are skipped, as are variables whose writer is
// known and not accepted by keepWriter.
func (ec *ExecutionContext) Seed(snap *checkpoint.Snapshot, keepWriter func(nodeID string) bool) (vars int, ports int) {
	if snap == nil {
		return 0, 0
	}
	for name, value := range snap.Variables {
		if strings.HasPrefix(name, InternalPrefix) {
			continue
		}
		origin := snap.VariableOrigins[name]
		if origin != "" && keepWriter != nil && !keepWriter(origin) {
			continue
		}
		ec.vars.SetFrom(origin, name, value)
		vars++
	}
	for nodeID, values := range snap.PortValues {
		if keepWriter != nil && !keepWriter(nodeID) {
			continue
		}
		ec.setPortValues(nodeID, values)
		ports++
	}
	return vars, ports
}

func (ec *ExecutionContext) emit(e Event) {
	e.RunID = ec.runID
	if e.Workflow == "" {
		e.Workflow = ec.name
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	ec.events.Emit(e)
}

// CaughtError returns the error caught by the innermost try region that is in
// the CAUGHT phase.
func (ec *ExecutionContext) CaughtError() (*CaughtError, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	for i := len(ec.tries) - 1; i >= 0; i-- {
		if ec.tries[i].phase == TryCaught && ec.tries[i].caught != nil {
			c := *ec.tries[i].caught
			return &c, true
		}
	}
	return nil, false
}

func (ec *ExecutionContext) pushTry(st *tryState) {
	ec.mu.Lock()
	ec.tries = append(ec.tries, st)
	ec.mu.Unlock()
}

func (ec *ExecutionContext) popTry() {
	ec.mu.Lock()
	if n := len(ec.tries); n > 0 {
		ec.tries = ec.tries[:n-1]
	}
	ec.mu.Unlock()
}
