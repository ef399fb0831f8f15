package nodes

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/runflow/workflow"
	"github.com/BaSui01/runflow/workflow/dsl"
	"github.com/BaSui01/runflow/workflow/recovery"
)

// 内置节点类型名
const (
	TypeStart       = "start"
	TypeSetVariable = "set_variable"
	TypeLog         = "log"
	TypeDelay       = "delay"
	TypeFail        = "fail"
	TypeIf          = "if"
	TypeWhile       = "while"
	TypeForEach     = "for_each"
)

// Ports of branching and looping nodes.
const (
	PortTrue  = "true"
	PortFalse = "false"
	PortBody  = "body"
)

// StartNode marks an entry point. It is an entry unless config entry=false.
type StartNode struct {
	*workflow.BaseNode
}

// NewStartNode 创建开始节点
func NewStartNode(id string, cfg map[string]any) (workflow.Node, error) {
	return &StartNode{BaseNode: workflow.NewBaseNode(id, TypeStart, cfg)}, nil
}

func (n *StartNode) IsEntry() bool { return n.ConfigBool("entry", true) }

func (n *StartNode) Execute(context.Context, *workflow.ExecutionContext) *workflow.ExecutionResult {
	return workflow.Succeed(nil, workflow.PortExecOut)
}

// SetVariableNode writes one variable. The value is either the literal
// config "value" or the result of the expression in "expr".
type SetVariableNode struct {
	*workflow.BaseNode
	name string
	expr *dsl.Expr
}

// NewSetVariableNode 创建变量赋值节点
func NewSetVariableNode(id string, cfg map[string]any) (workflow.Node, error) {
	n := &SetVariableNode{BaseNode: workflow.NewBaseNode(id, TypeSetVariable, cfg)}
	n.name = n.ConfigString("name", "")
	if n.name == "" {
		return nil, fmt.Errorf("set_variable: name is required")
	}
	if src := n.ConfigString("expr", ""); src != "" {
		e, err := dsl.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("set_variable: %w", err)
		}
		n.expr = e
	}
	return n, nil
}

func (n *SetVariableNode) DefinePorts() {
	n.BaseNode.DefinePorts()
	_ = n.Ports().AddInput("value", workflow.PortKindData, workflow.DataTypeAny)
	_ = n.Ports().AddOutput("value", workflow.PortKindData, workflow.DataTypeAny)
}

func (n *SetVariableNode) Execute(_ context.Context, ec *workflow.ExecutionContext) *workflow.ExecutionResult {
	value := n.Config()["value"]
	if in, ok := ec.Input("value"); ok {
		value = in
	}
	if n.expr != nil {
		v, err := n.expr.Eval(ec.Variables().Snapshot())
		if err != nil {
			return workflow.FailWith(recovery.CodeInvalidData, fmt.Errorf("evaluate %q: %w", n.expr, err))
		}
		value = v
	}
	ec.SetVariable(n.name, value)
	return workflow.Succeed(map[string]any{"value": value}, workflow.PortExecOut)
}

// LogNode writes config "message" (with ${var} expanded from the current
// variables) to the run logger.
type LogNode struct {
	*workflow.BaseNode
}

// NewLogNode 创建日志节点
func NewLogNode(id string, cfg map[string]any) (workflow.Node, error) {
	return &LogNode{BaseNode: workflow.NewBaseNode(id, TypeLog, cfg)}, nil
}

func (n *LogNode) Execute(_ context.Context, ec *workflow.ExecutionContext) *workflow.ExecutionResult {
	msg := fmt.Sprint(dsl.Interpolate(n.ConfigString("message", ""), ec.Variables().Snapshot()))
	fields := []zap.Field{zap.String("node_id", n.ID())}
	switch n.ConfigString("level", "info") {
	case "debug":
		ec.Logger().Debug(msg, fields...)
	case "warn":
		ec.Logger().Warn(msg, fields...)
	case "error":
		ec.Logger().Error(msg, fields...)
	default:
		ec.Logger().Info(msg, fields...)
	}
	return workflow.Succeed(map[string]any{"message": msg}, workflow.PortExecOut)
}

// DelayNode waits for config "duration" or until ctx ends.
type DelayNode struct {
	*workflow.BaseNode
	duration time.Duration
}

// NewDelayNode 创建延时节点
func NewDelayNode(id string, cfg map[string]any) (workflow.Node, error) {
	n := &DelayNode{BaseNode: workflow.NewBaseNode(id, TypeDelay, cfg)}
	n.duration = n.ConfigDuration("duration", 0)
	if n.duration < 0 {
		return nil, fmt.Errorf("delay: negative duration %s", n.duration)
	}
	return n, nil
}

func (n *DelayNode) Execute(ctx context.Context, _ *workflow.ExecutionContext) *workflow.ExecutionResult {
	t := time.NewTimer(n.duration)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return workflow.FailWith(recovery.CodeExecutionTimeout, ctx.Err())
	}
	return workflow.Succeed(nil, workflow.PortExecOut)
}

// FailNode always fails with config "message" and "code". With panic=true it
// panics instead, which the executor reports as an unexpected failure.
type FailNode struct {
	*workflow.BaseNode
}

// NewFailNode 创建失败节点
func NewFailNode(id string, cfg map[string]any) (workflow.Node, error) {
	return &FailNode{BaseNode: workflow.NewBaseNode(id, TypeFail, cfg)}, nil
}

func (n *FailNode) Execute(context.Context, *workflow.ExecutionContext) *workflow.ExecutionResult {
	msg := n.ConfigString("message", "failed by fail node")
	if n.ConfigBool("panic", false) {
		panic(msg)
	}
	return workflow.Fail(recovery.Code(n.ConfigInt("code", 0)), "%s", msg)
}

// IfNode routes to its true or false port.
type IfNode struct {
	*workflow.BaseNode
	cond *dsl.Expr
}

// NewIfNode 创建条件节点
func NewIfNode(id string, cfg map[string]any) (workflow.Node, error) {
	n := &IfNode{BaseNode: workflow.NewBaseNode(id, TypeIf, cfg)}
	src := n.ConfigString("condition", "")
	if src == "" {
		return nil, fmt.Errorf("if: condition is required")
	}
	e, err := dsl.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("if: %w", err)
	}
	n.cond = e
	return n, nil
}

func (n *IfNode) DefinePorts() {
	_ = n.Ports().AddInput(workflow.PortExecIn, workflow.PortKindExec, "")
	_ = n.Ports().AddOutput(PortTrue, workflow.PortKindExec, "")
	_ = n.Ports().AddOutput(PortFalse, workflow.PortKindExec, "")
	_ = n.Ports().AddOutput("result", workflow.PortKindData, workflow.DataTypeBool)
}

func (n *IfNode) Execute(_ context.Context, ec *workflow.ExecutionContext) *workflow.ExecutionResult {
	ok, err := n.cond.EvalBool(ec.Variables().Snapshot())
	if err != nil {
		return workflow.FailWith(recovery.CodeInvalidData, fmt.Errorf("evaluate %q: %w", n.cond, err))
	}
	port := PortFalse
	if ok {
		port = PortTrue
	}
	return workflow.Succeed(map[string]any{"result": ok}, port)
}

// WhileNode repeats its body while the condition holds, at most
// max_iterations times (default 1000). The body must lead back to the
// node's exec_in; exec_out continues after the loop.
type WhileNode struct {
	*workflow.BaseNode
	cond *dsl.Expr
	max  int
}

// NewWhileNode 创建 while 循环节点
func NewWhileNode(id string, cfg map[string]any) (workflow.Node, error) {
	n := &WhileNode{BaseNode: workflow.NewBaseNode(id, TypeWhile, cfg)}
	e, err := dsl.Compile(n.ConfigString("condition", ""))
	if err != nil {
		return nil, fmt.Errorf("while: %w", err)
	}
	n.cond = e
	n.max = n.ConfigInt("max_iterations", 1000)
	return n, nil
}

func (n *WhileNode) IsLoop() bool { return true }

func (n *WhileNode) DefinePorts() {
	n.BaseNode.DefinePorts()
	_ = n.Ports().AddOutput(PortBody, workflow.PortKindExec, "")
	_ = n.Ports().AddOutput("iteration", workflow.PortKindData, workflow.DataTypeNumber)
}

func (n *WhileNode) Execute(_ context.Context, ec *workflow.ExecutionContext) *workflow.ExecutionResult {
	st := ec.NodeState(n.ID())
	i, _ := st["iteration"].(int)

	ok, err := n.cond.EvalBool(ec.Variables().Snapshot())
	if err != nil {
		ec.ResetNodeState(n.ID())
		return workflow.FailWith(recovery.CodeInvalidData, fmt.Errorf("evaluate %q: %w", n.cond, err))
	}
	if !ok || i >= n.max {
		ec.ResetNodeState(n.ID())
		return workflow.Succeed(map[string]any{"iteration": i}, workflow.PortExecOut)
	}
	st["iteration"] = i + 1
	return workflow.Succeed(map[string]any{"iteration": i}, PortBody)
}

// ForEachNode iterates a collection. config "collection" is either a list or
// a variable path; each item is written to item_var (default "item") and its
// position to index_var (default "index").
type ForEachNode struct {
	*workflow.BaseNode
	itemVar  string
	indexVar string
	source   *dsl.Expr
}

// NewForEachNode 创建 for_each 循环节点
func NewForEachNode(id string, cfg map[string]any) (workflow.Node, error) {
	n := &ForEachNode{BaseNode: workflow.NewBaseNode(id, TypeForEach, cfg)}
	n.itemVar = n.ConfigString("item_var", "item")
	n.indexVar = n.ConfigString("index_var", "index")
	switch c := cfg["collection"].(type) {
	case []any:
	case string:
		e, err := dsl.Compile(c)
		if err != nil {
			return nil, fmt.Errorf("for_each: %w", err)
		}
		n.source = e
	default:
		return nil, fmt.Errorf("for_each: collection must be a list or a variable path")
	}
	return n, nil
}

func (n *ForEachNode) IsLoop() bool { return true }

func (n *ForEachNode) DefinePorts() {
	n.BaseNode.DefinePorts()
	_ = n.Ports().AddOutput(PortBody, workflow.PortKindExec, "")
	_ = n.Ports().AddOutput("item", workflow.PortKindData, workflow.DataTypeAny)
	_ = n.Ports().AddOutput("index", workflow.PortKindData, workflow.DataTypeNumber)
}

func (n *ForEachNode) Execute(_ context.Context, ec *workflow.ExecutionContext) *workflow.ExecutionResult {
	st := ec.NodeState(n.ID())
	items, started := st["items"].([]any)
	if !started {
		list, err := n.collection(ec)
		if err != nil {
			return workflow.FailWith(recovery.CodeInvalidData, err)
		}
		items = list
		st["items"] = items
		st["index"] = 0
	}

	i, _ := st["index"].(int)
	if i >= len(items) {
		ec.ResetNodeState(n.ID())
		return workflow.Succeed(map[string]any{"index": i}, workflow.PortExecOut)
	}
	st["index"] = i + 1
	ec.SetVariable(n.itemVar, items[i])
	ec.SetVariable(n.indexVar, i)
	return workflow.Succeed(map[string]any{"item": items[i], "index": i}, PortBody)
}

func (n *ForEachNode) collection(ec *workflow.ExecutionContext) ([]any, error) {
	if n.source == nil {
		list, _ := n.Config()["collection"].([]any)
		return list, nil
	}
	v, err := n.source.Eval(ec.Variables().Snapshot())
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", n.source, err)
	}
	switch c := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return c, nil
	case []string:
		out := make([]any, len(c))
		for i, s := range c {
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("for_each: %q is %T, not a list", n.source, v)
}
