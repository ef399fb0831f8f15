package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/runflow/internal/ctxkeys"
	"github.com/BaSui01/runflow/types"
	"github.com/BaSui01/runflow/workflow/recovery"
	"github.com/BaSui01/runflow/workflow/resource"
)

// executor walks one graph for one run. It is shared by every branch of the
// run; per-branch state lives in branchRun.
type executor struct {
	graph    *Graph
	orch     *Orchestrator
	policy   *recovery.Policy
	settings ExecutionSettings
	state    *StateManager
	metrics  MetricsRecorder
	otel     *instruments
	logger   *zap.Logger

	// failFast 局部执行：失败立即终止，不经过恢复策略
	failFast bool
	// afterNode 每个节点成功后调用（检查点）
	afterNode func(ctx context.Context, ec *ExecutionContext)
}

type branchRun struct {
	name  string
	ec    *ExecutionContext
	count int
}

// walkResult describes why a walk ended early. A nil *walkResult means the
// walk drained its queue.
type walkResult struct {
	outcome  BranchOutcome
	nodeID   string
	err      error
	ectx     *recovery.ErrorContext
	critical bool
}

func (w *walkResult) message() string {
	if w.err != nil {
		return w.err.Error()
	}
	return string(w.outcome)
}

func (w *walkResult) caught(tryID string) *CaughtError {
	c := &CaughtError{TryID: tryID, NodeID: w.nodeID, Message: w.message()}
	if w.ectx != nil {
		c.NodeType = w.ectx.NodeType
		c.Message = w.ectx.Message
		c.Code = w.ectx.Code
		c.Category = w.ectx.Category
		c.Classification = w.ectx.Classification
	}
	return c
}

func newExecutor(g *Graph, policy *recovery.Policy, state *StateManager, metrics MetricsRecorder, otel *instruments, logger *zap.Logger) *executor {
	if policy == nil {
		policy = recovery.NewPolicy(recovery.WithLogger(logger))
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if otel == nil {
		otel = newInstruments()
	}
	return &executor{
		graph:    g,
		orch:     NewOrchestrator(g),
		policy:   policy,
		settings: state.Settings(),
		state:    state,
		metrics:  metrics,
		otel:     otel,
		logger:   logger,
	}
}

// runBranch registers the given resource nodes in ec's registry, initializes
// them, walks from seeds and always tears the resources down afterwards.
func (x *executor) runBranch(ctx context.Context, name string, ec *ExecutionContext, seeds []string, allow func(string) bool, resources []ResourceNode) BranchResult {
	br := &branchRun{name: name, ec: ec}
	ctx = ctxkeys.WithBranch(ctx, name)
	result := BranchResult{Name: name, Outcome: OutcomeCompleted}
	if len(seeds) > 0 {
		result.StartNode = seeds[0]
	}

	x.otel.activeBranches.Add(ctx, 1)
	defer x.otel.activeBranches.Add(context.WithoutCancel(ctx), -1)

	ec.setStatus(ContextRunning)
	for _, rn := range resources {
		ec.Registry().Register(rn)
	}
	defer func() {
		cctx := context.WithoutCancel(ctx)
		ec.Registry().CleanupAll(cctx, ec)
		if err := ec.Manager().Close(); err != nil {
			x.logger.Warn("releasing branch leases failed", zap.String("branch", name), zap.Error(err))
		}
	}()

	if err := ec.Registry().InitializeAll(ctx, ec); err != nil {
		x.logger.Error("resource initialization failed", zap.String("branch", name), zap.Error(err))
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
		result.ErrorCode = types.GetErrorCode(err)
		result.FailedNode = nodeOf(err)
		ec.setStatus(ContextFailed)
		return result
	}

	_, res := x.walk(ctx, br, seeds, allow)
	result.Executed = br.count
	if res == nil {
		ec.setStatus(ContextCompleted)
		return result
	}

	result.Outcome = res.outcome
	result.Error = res.message()
	result.ErrorCode = types.GetErrorCode(res.err)
	result.FailedNode = res.nodeID
	switch res.outcome {
	case OutcomeStopped:
		ec.setStatus(ContextStopped)
	case OutcomePaused:
		ec.setStatus(ContextPaused)
	default:
		ec.setStatus(ContextFailed)
	}
	return result
}

func nodeOf(err error) string {
	var te *types.Error
	if errors.As(err, &te) {
		return te.NodeID
	}
	return ""
}

// walk executes nodes in FIFO order starting from seeds. Nodes rejected by
// allow are not executed and are returned as exits so an enclosing region can
// continue from them.
func (x *executor) walk(ctx context.Context, br *branchRun, seeds []string, allow func(string) bool) ([]string, *walkResult) {
	ec := br.ec
	queue := append([]string(nil), seeds...)
	var exits []string

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if ec.Stopped() {
			return exits, x.stopped(ec, id)
		}
		if err := x.pauseCheckpoint(ctx, ec); err != nil {
			return exits, x.interrupted(ec, id, err)
		}
		if ec.Stopped() {
			return exits, x.stopped(ec, id)
		}

		if allow != nil && !allow(id) {
			exits = append(exits, id)
			continue
		}
		node, ok := x.graph.Node(id)
		if !ok {
			err := types.Errorf(types.ErrNodeNotFound, "node %q not found", id).WithNode(id)
			return exits, &walkResult{outcome: OutcomeFailed, nodeID: id, err: err}
		}
		// 资源节点由注册表负责初始化
		if _, isRes := node.(ResourceNode); isRes {
			continue
		}

		br.count++
		if limit := x.settings.MaxNodeExecutions; limit > 0 && br.count > limit {
			err := types.Errorf(types.ErrExecutionLimit, "branch %q exceeded %d node executions", br.name, limit).WithNode(id)
			return exits, &walkResult{outcome: OutcomeFailed, nodeID: id, err: err}
		}

		ec.setCurrentNode(id)
		ports, res := x.runNode(ctx, br, node)
		if res != nil {
			return exits, res
		}

		if tc, isTry := node.(TryConstruct); isTry && tc.IsTry() {
			if region, ok := x.graph.Region(id); ok {
				cont, res := x.runTry(ctx, br, region, allow)
				if res != nil {
					return exits, res
				}
				queue = append(queue, cont...)
				continue
			}
		}
		queue = append(queue, x.orch.NextNodes(id, ports)...)
	}
	return exits, nil
}

func (x *executor) pauseCheckpoint(ctx context.Context, ec *ExecutionContext) error {
	if ec.PauseGate().IsOpen() {
		return nil
	}
	x.state.SetPaused(true)
	defer x.state.SetPaused(false)
	return ec.PauseCheckpoint(ctx)
}

func (x *executor) stopped(ec *ExecutionContext, id string) *walkResult {
	x.state.MarkStopped()
	ec.emit(Event{Type: EventStopped, NodeID: id, Message: "execution stopped"})
	x.logger.Info("execution stopped", zap.String("next_node", id))
	return &walkResult{outcome: OutcomeStopped, nodeID: id, err: ErrStopped}
}

func (x *executor) interrupted(ec *ExecutionContext, id string, err error) *walkResult {
	if errors.Is(err, ErrStopped) {
		return x.stopped(ec, id)
	}
	x.logger.Warn("execution interrupted while paused", zap.String("next_node", id), zap.Error(err))
	return &walkResult{outcome: OutcomePaused, nodeID: id, err: err}
}

// runTry executes a try region: body, then catch on failure, then finally.
// It returns the nodes to continue with after the region.
func (x *executor) runTry(ctx context.Context, br *branchRun, r *TryRegion, allow func(string) bool) ([]string, *walkResult) {
	ec := br.ec
	st := &tryState{tryID: r.TryID, phase: TryIdle}
	ec.pushTry(st)
	defer ec.popTry()

	within := func(member func(string) bool) func(string) bool {
		return func(id string) bool {
			return member(id) && (allow == nil || allow(id))
		}
	}

	ec.setTryPhase(st, TryProtected, nil)
	exits, failure := x.walk(ctx, br, r.BodyEntries, within(r.InBody))

	var pending *walkResult
	if failure != nil {
		if failure.outcome != OutcomeFailed {
			return nil, failure
		}
		caught := failure.caught(r.TryID)
		ec.setTryPhase(st, TryCaught, caught)
		x.logger.Info("error caught",
			zap.String("try_id", r.TryID),
			zap.String("node_id", caught.NodeID),
			zap.String("error", caught.Message),
		)

		switch {
		case failure.critical:
			// 严重错误不可捕获，仍执行 finally
			pending = failure
		case len(r.CatchEntries) == 0:
			pending = failure
		default:
			for _, id := range r.CatchEntries {
				if n, ok := x.graph.Node(id); ok {
					if recv, ok := n.(ErrorReceiver); ok {
						recv.ReceiveError(ec, caught)
					}
				}
			}
			catchExits, cf := x.walk(ctx, br, r.CatchEntries, within(r.InCatch))
			exits = append(exits, catchExits...)
			if cf != nil {
				if cf.outcome != OutcomeFailed {
					return nil, cf
				}
				pending = cf
			}
		}
	}

	if len(r.FinallyEntries) > 0 {
		finExits, ff := x.walk(ctx, br, r.FinallyEntries, within(r.InFinally))
		if ff != nil {
			return nil, ff
		}
		exits = append(exits, finExits...)
	}
	ec.setTryPhase(st, TryDone, nil)
	if pending != nil {
		return nil, pending
	}

	seen := make(map[string]bool)
	var cont []string
	for _, id := range append(exits, r.Continue...) {
		if r.Member(id) || seen[id] {
			continue
		}
		seen[id] = true
		cont = append(cont, id)
	}
	return cont, nil
}

// runNode executes node under the recovery policy and returns the exec ports
// to follow.
func (x *executor) runNode(ctx context.Context, br *branchRun, node Node) ([]string, *walkResult) {
	ec := br.ec
	id := node.ID()
	ctx = ctxkeys.WithNodeID(ctx, id)
	ec.setInputs(x.inputsFor(ec, id))

	var ectx *recovery.ErrorContext
	for attempt := 1; ; attempt++ {
		node.SetStatus(NodeStatusRunning)
		ec.emit(Event{Type: EventNodeStarted, NodeID: id, NodeType: node.Type(), Attempt: attempt})
		rec := x.state.History().RecordNodeStart(id, node.Type(), br.name, attempt)

		sctx, span := x.otel.startNode(ctx, node, br.name, attempt)
		start := time.Now()
		inv := x.invoke(sctx, node, ec)
		elapsed := time.Since(start)

		if inv.canceled {
			x.otel.endNode(sctx, span, node, "canceled", elapsed, "context canceled")
			x.state.History().RecordNodeEnd(rec, RecordStopped, ctx.Err().Error(), "")
			node.SetStatus(NodeStatusError)
			return nil, &walkResult{outcome: OutcomeFailed, nodeID: id, err: ctx.Err()}
		}

		if inv.result != nil && inv.result.Success {
			x.otel.endNode(sctx, span, node, "success", elapsed, "")
			x.metrics.RecordNodeExecution(node.Type(), "success", elapsed)
			x.state.History().RecordNodeEnd(rec, RecordCompleted, "", "")
			node.SetStatus(NodeStatusSuccess)
			ec.setPortValues(id, inv.result.Data)
			x.policy.RecordSuccess(id)
			x.state.MarkExecuted(id)
			ec.emit(Event{Type: EventNodeCompleted, NodeID: id, NodeType: node.Type(), Attempt: attempt, Data: inv.result.Data})
			if x.afterNode != nil {
				x.afterNode(ctx, ec)
			}
			return inv.result.NextNodes, nil
		}

		retries := 0
		if ectx != nil {
			retries = ectx.RetryCount
		}
		ectx = x.errorContext(node, inv, retries)
		x.otel.endNode(sctx, span, node, inv.status(), elapsed, ectx.Message)
		x.metrics.RecordNodeExecution(node.Type(), inv.status(), elapsed)

		if x.failFast {
			recovery.Classify(ectx)
			x.state.History().RecordNodeEnd(rec, RecordFailed, ectx.Message, "")
			return nil, x.fail(ec, node, ectx, "")
		}

		decision := x.policy.Decide(ectx)
		x.metrics.RecordRecoveryDecision(node.Type(), string(decision.Action))
		x.logger.Warn("node failed",
			zap.String("node_id", id),
			zap.String("node_type", node.Type()),
			zap.Int("attempt", attempt),
			zap.String("error", ectx.Message),
			zap.String("action", string(decision.Action)),
			zap.String("reason", decision.Reason),
		)

		switch decision.Action {
		case recovery.ActionRetry:
			x.state.History().RecordNodeEnd(rec, RecordFailed, ectx.Message, string(decision.Action))
			ec.emit(Event{Type: EventNodeRetry, NodeID: id, NodeType: node.Type(), Attempt: attempt, Delay: decision.Delay, Message: ectx.Message})
			if err := x.sleep(ctx, ec, decision.Delay); err != nil {
				if errors.Is(err, ErrStopped) {
					return nil, x.stopped(ec, id)
				}
				return nil, &walkResult{outcome: OutcomeFailed, nodeID: id, err: err}
			}
			ectx = ectx.NextAttempt()
			continue

		case recovery.ActionSkip:
			if x.settings.ContinueOnError {
				x.state.History().RecordNodeEnd(rec, RecordSkipped, ectx.Message, string(decision.Action))
				node.SetStatus(NodeStatusSkipped)
				ec.emit(Event{Type: EventNodeSkipped, NodeID: id, NodeType: node.Type(), Message: ectx.Message})
				return []string{PortExecOut}, nil
			}
			x.state.History().RecordNodeEnd(rec, RecordFailed, ectx.Message, string(recovery.ActionAbort))
			return nil, x.fail(ec, node, ectx, "")

		case recovery.ActionEscalate:
			x.state.History().RecordNodeEnd(rec, RecordFailed, ectx.Message, string(decision.Action))
			ec.emit(Event{Type: EventEscalation, NodeID: id, NodeType: node.Type(), Message: decision.EscalationMessage})
			return nil, x.fail(ec, node, ectx, decision.EscalationMessage)

		default:
			x.state.History().RecordNodeEnd(rec, RecordFailed, ectx.Message, string(decision.Action))
			return nil, x.fail(ec, node, ectx, "")
		}
	}
}

func (x *executor) fail(ec *ExecutionContext, node Node, ectx *recovery.ErrorContext, escalation string) *walkResult {
	node.SetStatus(NodeStatusError)
	msg := ectx.Message
	if escalation != "" {
		msg = escalation
	}
	ec.emit(Event{Type: EventNodeFailed, NodeID: node.ID(), NodeType: node.Type(), Message: msg})
	return &walkResult{
		outcome:  OutcomeFailed,
		nodeID:   node.ID(),
		err:      ectx,
		ectx:     ectx,
		critical: ectx.Severity == recovery.SeverityCritical,
	}
}

func (x *executor) sleep(ctx context.Context, ec *ExecutionContext, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-ec.StopFlag().Done():
		return ErrStopped
	}
}

func (x *executor) inputsFor(ec *ExecutionContext, id string) map[string]any {
	edges := x.graph.DataInputs(id)
	if len(edges) == 0 {
		return nil
	}
	in := make(map[string]any, len(edges))
	for _, e := range edges {
		if v, ok := ec.PortValue(e.Source, e.SourcePort); ok {
			in[e.TargetPort] = v
		}
	}
	return in
}

type invocation struct {
	result     *ExecutionResult
	panicValue any
	panicked   bool
	timedOut   bool
	canceled   bool
}

func (inv invocation) status() string {
	switch {
	case inv.panicked:
		return "panic"
	case inv.timedOut:
		return "timeout"
	default:
		return "failed"
	}
}

// invoke runs node.Execute, converting panics into failures. With a node
// timeout the node runs on its own goroutine so the walk can give up on it.
func (x *executor) invoke(ctx context.Context, node Node, ec *ExecutionContext) invocation {
	call := func(ctx context.Context) (inv invocation) {
		defer func() {
			if p := recover(); p != nil {
				inv = invocation{panicked: true, panicValue: p}
			}
		}()
		return invocation{result: node.Execute(ctx, ec)}
	}

	if x.settings.NodeTimeout <= 0 {
		inv := call(ctx)
		if !inv.panicked && inv.result == nil && ctx.Err() != nil {
			inv.canceled = true
		}
		return inv
	}

	nctx, cancel := context.WithTimeout(ctx, x.settings.NodeTimeout)
	defer cancel()
	done := make(chan invocation, 1)
	go func() { done <- call(nctx) }()

	select {
	case inv := <-done:
		return inv
	case <-nctx.Done():
		if ctx.Err() != nil {
			return invocation{canceled: true}
		}
		return invocation{timedOut: true}
	}
}

func (x *executor) errorContext(node Node, inv invocation, retry int) *recovery.ErrorContext {
	ectx := &recovery.ErrorContext{
		NodeID:     node.ID(),
		NodeType:   node.Type(),
		Kind:       recovery.KindBusiness,
		RetryCount: retry,
		MaxRetries: x.settings.MaxRetries,
	}
	switch {
	case inv.panicked:
		ectx.Kind = recovery.KindUnexpected
		ectx.ErrorType = "panic"
		ectx.Message = fmt.Sprintf("panic: %v", inv.panicValue)
		if err, ok := inv.panicValue.(error); ok {
			ectx.Err = err
			ectx.ErrorType = fmt.Sprintf("%T", err)
		}
	case inv.timedOut:
		ectx.Kind = recovery.KindNodeTimeout
		ectx.Message = fmt.Sprintf("node timed out after %s", x.settings.NodeTimeout)
		ectx.Err = types.Errorf(types.ErrNodeTimeout, "node %q timed out", node.ID()).WithNode(node.ID())
	case inv.result == nil:
		ectx.Kind = recovery.KindUnexpected
		ectx.Message = "node returned no result"
	default:
		res := inv.result
		ectx.Message = res.Error
		ectx.Code = res.ErrorCode
		ectx.Err = res.Cause
		if res.Cause != nil {
			ectx.ErrorType = fmt.Sprintf("%T", res.Cause)
			switch {
			case errors.Is(res.Cause, resource.ErrAcquireTimeout):
				ectx.Kind = recovery.KindAcquireTimeout
			case types.IsErrorCode(res.Cause, types.ErrInvalidConfig):
				ectx.Kind = recovery.KindConfiguration
			}
		}
		if ectx.Message == "" {
			ectx.Message = "node reported failure"
		}
	}
	return ectx
}
