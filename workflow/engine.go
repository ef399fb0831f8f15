package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/runflow/internal/ctxkeys"
	"github.com/BaSui01/runflow/types"
	"github.com/BaSui01/runflow/workflow/checkpoint"
	"github.com/BaSui01/runflow/workflow/recovery"
	"github.com/BaSui01/runflow/workflow/resource"
)

// ErrAlreadyRunning is returned when a run is started while another run of
// the same engine is in progress.
var ErrAlreadyRunning = types.NewError(types.ErrAlreadyRunning, "workflow is already running")

// Engine 工作流执行引擎。
//
// 一个 Engine 对应一个图和一个会话：资源闸门、暂停闸门和运行缓存在多次运行之间共享，
// 停止标志、状态管理器和执行上下文每次运行重新创建。同一时刻只允许一次运行。
type Engine struct {
	graph    *Graph
	policy   *recovery.Policy
	settings ExecutionSettings
	events   EventSink
	metrics  MetricsRecorder
	store    checkpoint.Store
	logger   *zap.Logger
	otel     *instruments
	partial  *PartialExecutor

	resCfg     resource.Config
	resMetrics resource.Metrics
	providers  map[resource.Class]resource.Provider
	gates      *resource.Gates
	histories  *ExecutionHistoryStore
	vars       map[string]any

	pause *PauseGate

	mu      sync.RWMutex
	running bool
	stop    *StopFlag
	state   *StateManager
	ec      *ExecutionContext
	cache   *checkpoint.Snapshot
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithPolicy sets the recovery policy.
func WithPolicy(p *recovery.Policy) EngineOption {
	return func(e *Engine) { e.policy = p }
}

// WithSettings sets the default execution settings.
func WithSettings(s ExecutionSettings) EngineOption {
	return func(e *Engine) { e.settings = s }
}

// WithEventSink sets the event sink.
func WithEventSink(s EventSink) EngineOption {
	return func(e *Engine) {
		if s != nil {
			e.events = s
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithCheckpointStore enables durable checkpoints after every node and at
// the end of full runs.
func WithCheckpointStore(s checkpoint.Store) EngineOption {
	return func(e *Engine) { e.store = s }
}

// WithResourceConfig sets the resource gate configuration.
func WithResourceConfig(cfg resource.Config) EngineOption {
	return func(e *Engine) { e.resCfg = cfg }
}

// WithResourceProvider installs the handle provider for a resource class.
func WithResourceProvider(class resource.Class, p resource.Provider) EngineOption {
	return func(e *Engine) { e.providers[class] = p }
}

// WithResourceMetrics installs the gate metrics hook.
func WithResourceMetrics(m resource.Metrics) EngineOption {
	return func(e *Engine) { e.resMetrics = m }
}

// WithHistoryStore keeps run histories in s.
func WithHistoryStore(s *ExecutionHistoryStore) EngineOption {
	return func(e *Engine) {
		if s != nil {
			e.histories = s
		}
	}
}

// WithInitialVariables sets the initial variables of every run.
func WithInitialVariables(vars map[string]any) EngineOption {
	return func(e *Engine) {
		e.vars = make(map[string]any, len(vars))
		for k, v := range vars {
			e.vars[k] = v
		}
	}
}

// NewEngine builds g and creates an engine for it.
func NewEngine(g *Graph, opts ...EngineOption) (*Engine, error) {
	if g == nil {
		return nil, types.NewError(types.ErrInvalidGraph, "graph is nil")
	}
	e := &Engine{
		graph:     g,
		settings:  DefaultSettings(),
		events:    NopSink{},
		metrics:   nopMetrics{},
		logger:    zap.NewNop(),
		resCfg:    resource.DefaultConfig(),
		providers: make(map[resource.Class]resource.Provider),
		histories: NewExecutionHistoryStore(100),
		pause:     NewPauseGate(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "engine"), zap.String("workflow", g.Name()))
	if err := g.Build(); err != nil {
		return nil, err
	}
	if e.policy == nil {
		e.policy = recovery.NewPolicy(recovery.WithLogger(e.logger))
	}
	e.otel = newInstruments()
	e.gates = resource.NewGates(e.resCfg)
	e.partial = NewPartialExecutor(g, e.logger)
	return e, nil
}

// Graph returns the engine's graph.
func (e *Engine) Graph() *Graph { return e.graph }

// Gates returns the session resource gates.
func (e *Engine) Gates() *resource.Gates { return e.gates }

// Histories returns the run history store.
func (e *Engine) Histories() *ExecutionHistoryStore { return e.histories }

// Partial returns the partial-run planner.
func (e *Engine) Partial() *PartialExecutor { return e.partial }

// Run executes the graph with the engine's default settings.
func (e *Engine) Run(ctx context.Context) (ExecutionSummary, error) {
	return e.RunWithSettings(ctx, e.settings)
}

// RunWithSettings executes the graph in the mode selected by settings: full,
// run-to-node or single node. Configuration failures (unknown target,
// unreachable target, no start node) are returned without executing anything.
func (e *Engine) RunWithSettings(ctx context.Context, settings ExecutionSettings) (ExecutionSummary, error) {
	state, stop, err := e.begin()
	if err != nil {
		return ExecutionSummary{}, err
	}
	defer e.end()

	runID := uuid.NewString()
	state.Begin(runID)
	if err := state.Configure(settings); err != nil {
		return e.finishConfigFailure(state, runID, err), err
	}
	ec := e.newContext(runID, stop)
	return e.execute(ctx, state, ec, state.StartNodes(), false)
}

// RunTo runs the nodes on a path from the start node(s) to target.
func (e *Engine) RunTo(ctx context.Context, target string) (ExecutionSummary, error) {
	s := e.settings
	s.TargetNodeID = target
	s.SingleNode = false
	return e.RunWithSettings(ctx, s)
}

// RunSingle runs only nodeID.
func (e *Engine) RunSingle(ctx context.Context, nodeID string) (ExecutionSummary, error) {
	s := e.settings
	s.TargetNodeID = nodeID
	s.SingleNode = true
	return e.RunWithSettings(ctx, s)
}

// RunFrom runs nodeID and everything downstream of it. With useCache the
// context is seeded from the last full run (or the latest stored
// checkpoint), keeping only state produced upstream of nodeID. The walk is
// fail-fast: the first failure ends the run.
func (e *Engine) RunFrom(ctx context.Context, nodeID string, useCache bool) (ExecutionSummary, error) {
	state, stop, err := e.begin()
	if err != nil {
		return ExecutionSummary{}, err
	}
	defer e.end()

	runID := uuid.NewString()
	state.Begin(runID)
	sub, err := e.partial.BuildSubgraphFromNode(nodeID)
	if err != nil {
		return e.finishConfigFailure(state, runID, err), err
	}
	state.ConfigureFrom(nodeID, sub, e.settings)

	ec := e.newContext(runID, stop)
	if useCache {
		if snap := e.loadCache(ctx); snap != nil {
			e.partial.SeedFromCache(ec, snap, nodeID)
		}
	}
	return e.execute(ctx, state, ec, []string{nodeID}, true)
}

func (e *Engine) begin() (*StateManager, *StopFlag, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil, nil, ErrAlreadyRunning
	}
	e.running = true
	e.stop = NewStopFlag()
	e.state = NewStateManager(e.graph, e.events, e.logger)
	return e.state, e.stop, nil
}

func (e *Engine) end() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

func (e *Engine) newContext(runID string, stop *StopFlag) *ExecutionContext {
	opts := []resource.Option{resource.WithGates(e.gates), resource.WithLogger(e.logger)}
	if e.resMetrics != nil {
		opts = append(opts, resource.WithMetrics(e.resMetrics))
	}
	for class, p := range e.providers {
		opts = append(opts, resource.WithProvider(class, p))
	}
	ec := NewExecutionContext(e.graph.Name(),
		WithRunID(runID),
		WithPauseGate(e.pause),
		WithStopFlag(stop),
		WithContextEvents(e.events),
		WithResourceManager(resource.NewManager(e.resCfg, opts...)),
		WithContextLogger(e.logger),
	)
	for k, v := range e.vars {
		ec.Variables().Set(k, v)
	}
	e.mu.Lock()
	e.ec = ec
	e.mu.Unlock()
	return ec
}

func (e *Engine) finishConfigFailure(state *StateManager, runID string, err error) ExecutionSummary {
	state.MarkFailed(nodeOf(err), err.Error())
	status := state.Finish()
	e.histories.Save(state.History())
	e.metrics.RecordRun(string(state.Mode()), string(status), 0)
	e.events.Emit(Event{
		Type:      EventRunCompleted,
		RunID:     runID,
		Workflow:  e.graph.Name(),
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
	return state.GetExecutionSummary()
}

func (e *Engine) execute(ctx context.Context, state *StateManager, ec *ExecutionContext, starts []string, failFast bool) (ExecutionSummary, error) {
	begin := time.Now()
	ctx = ctxkeys.WithRunID(ctx, ec.RunID())
	ctx, span := e.otel.startRun(ctx, e.graph.Name(), ec.RunID(), state.Mode())

	x := newExecutor(e.graph, e.policy, state, e.metrics, e.otel, ec.Logger())
	x.failFast = failFast
	if e.store != nil {
		x.afterNode = func(ctx context.Context, ec *ExecutionContext) {
			e.saveCheckpoint(ctx, ec.Snapshot(state.ExecutedPath(), false))
		}
	}

	var allow func(string) bool
	if sub := state.Subgraph(); sub != nil {
		allow = sub.Contains
	}

	ec.emit(Event{Type: EventRunStarted, Message: string(state.Mode())})
	e.logger.Info("run started",
		zap.String("run_id", ec.RunID()),
		zap.String("mode", string(state.Mode())),
		zap.Strings("start_nodes", starts),
	)

	if len(starts) > 1 {
		res := newParallelCoordinator(x, e.logger).Run(ctx, ec, starts, allow)
		state.SetBranches(res.Branches)
		for _, b := range res.Branches {
			switch b.Outcome {
			case OutcomeFailed:
				state.MarkFailed(b.FailedNode, fmt.Sprintf("%s: %s", b.Name, b.Error))
			case OutcomePaused:
				state.MarkInterrupted(b.FailedNode, fmt.Sprintf("%s: %s", b.Name, b.Error))
			}
		}
		ec.setStatus(runContextStatus(res.Branches))
		if err := ec.Manager().Close(); err != nil {
			e.logger.Warn("releasing run leases failed", zap.Error(err))
		}
	} else {
		res := x.runBranch(ctx, "main", ec, starts, allow, e.graph.ResourceNodes())
		state.SetBranches([]BranchResult{res})
		switch res.Outcome {
		case OutcomeFailed:
			state.MarkFailed(res.FailedNode, res.Error)
		case OutcomePaused:
			state.MarkInterrupted(res.FailedNode, res.Error)
		}
	}

	// 暂停门归本次运行所有，结束后重新打开
	e.pause.Open()
	e.cleanupNodes(ctx, ec)
	status := state.Finish()
	summary := state.GetExecutionSummary()

	if state.Mode() == ModeFull {
		snap := ec.Snapshot(summary.ExecutedPath, true)
		e.mu.Lock()
		e.cache = snap
		e.mu.Unlock()
		if e.store != nil {
			e.saveCheckpoint(ctx, snap)
		}
	}

	e.histories.Save(state.History())
	duration := time.Since(begin)
	e.metrics.RecordRun(string(state.Mode()), string(status), duration)
	ec.emit(Event{Type: EventRunCompleted, Message: string(status), Progress: summary.Progress})
	e.logger.Info("run finished",
		zap.String("run_id", ec.RunID()),
		zap.String("status", string(status)),
		zap.Int("executed", summary.ExecutedNodes),
		zap.Duration("duration", duration),
	)
	endSpan(span, status == RunFailed, summary.Error)

	return summary, runError(summary)
}

func runContextStatus(branches []BranchResult) ContextStatus {
	status := ContextCompleted
	for _, b := range branches {
		switch b.Outcome {
		case OutcomeFailed:
			return ContextFailed
		case OutcomeStopped:
			status = ContextStopped
		case OutcomePaused:
			if status == ContextCompleted {
				status = ContextPaused
			}
		}
	}
	return status
}

func runError(s ExecutionSummary) error {
	switch {
	case s.Failed && len(s.Branches) > 1:
		return types.Errorf(types.ErrBranchFailed, "%s", s.Error).WithNode(s.FailedNode)
	case s.Failed:
		return types.Errorf(types.ErrNodeFailed, "%s", s.Error).WithNode(s.FailedNode)
	case s.Stopped:
		return ErrStopped
	case s.Interrupted:
		return types.Errorf(types.ErrInterrupted, "%s", s.Error).WithNode(s.InterruptedNode)
	}
	return nil
}

// cleanupNodes calls Cleanup on every work node. Resource nodes were torn
// down by their registries already.
func (e *Engine) cleanupNodes(ctx context.Context, ec *ExecutionContext) {
	cctx := context.WithoutCancel(ctx)
	for _, n := range e.graph.Nodes() {
		if _, isRes := n.(ResourceNode); isRes {
			continue
		}
		if err := safeCleanup(cctx, ec, n); err != nil {
			e.logger.Warn("node cleanup failed", zap.String("node_id", n.ID()), zap.Error(err))
		}
	}
}

func safeCleanup(ctx context.Context, ec *ExecutionContext, n Node) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during cleanup: %v", p)
		}
	}()
	return n.Cleanup(ctx, ec)
}

func (e *Engine) saveCheckpoint(ctx context.Context, snap *checkpoint.Snapshot) {
	if err := e.store.Save(context.WithoutCancel(ctx), snap); err != nil {
		e.logger.Warn("checkpoint save failed",
			zap.String("checkpoint_id", snap.ID),
			zap.Error(err),
		)
	}
}

func (e *Engine) loadCache(ctx context.Context) *checkpoint.Snapshot {
	e.mu.RLock()
	snap := e.cache
	e.mu.RUnlock()
	if snap != nil || e.store == nil {
		return snap
	}
	snap, err := e.store.LoadLatest(ctx, e.graph.Name())
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			e.logger.Warn("loading cached run failed", zap.Error(err))
		}
		return nil
	}
	return snap
}

// Cache returns the final snapshot of the last full run.
func (e *Engine) Cache() *checkpoint.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cache
}

// Stop raises the stop flag of the current run. Nodes already executing
// finish on their own terms.
func (e *Engine) Stop() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.running && e.stop != nil {
		e.stop.Set()
		e.logger.Info("stop requested")
	}
}

// Pause closes the shared pause gate; every branch suspends at its next
// checkpoint.
func (e *Engine) Pause() {
	e.pause.Close()
	e.logger.Info("pause requested")
}

// Resume reopens the pause gate, waking every suspended branch.
func (e *Engine) Resume() {
	e.pause.Open()
	e.logger.Info("resume requested")
}

// IsPaused reports whether the pause gate is closed.
func (e *Engine) IsPaused() bool { return !e.pause.IsOpen() }

// IsRunning reports whether a run is in progress.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// CalculateProgress returns the progress percentage of the current or last
// run.
func (e *Engine) CalculateProgress() float64 {
	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()
	if state == nil {
		return 0
	}
	return state.CalculateProgress()
}

// GetExecutionSummary returns the summary of the current or last run.
func (e *Engine) GetExecutionSummary() ExecutionSummary {
	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()
	if state == nil {
		return ExecutionSummary{Name: e.graph.Name(), TotalNodes: len(e.graph.WorkNodeIDs())}
	}
	return state.GetExecutionSummary()
}

// Context returns the root execution context of the current or last run.
func (e *Engine) Context() *ExecutionContext {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ec
}

// ContextState serializes the root context of the current or last run.
func (e *Engine) ContextState() (ContextState, bool) {
	ec := e.Context()
	if ec == nil {
		return ContextState{}, false
	}
	return ec.State(), true
}
