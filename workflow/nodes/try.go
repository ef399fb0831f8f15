package nodes

import (
	"context"

	"github.com/BaSui01/runflow/workflow"
)

// 异常处理节点类型名
const (
	TypeTry     = "try"
	TypeCatch   = "catch"
	TypeFinally = "finally"
)

// TryNode opens a protected region: body runs first, catch runs when the body
// fails with a recoverable error, finally always runs, and exec_out continues
// after the region.
type TryNode struct {
	*workflow.BaseNode
}

// NewTryNode 创建 try 节点
func NewTryNode(id string, cfg map[string]any) (workflow.Node, error) {
	return &TryNode{BaseNode: workflow.NewBaseNode(id, TypeTry, cfg)}, nil
}

func (n *TryNode) IsTry() bool { return true }

func (n *TryNode) DefinePorts() {
	n.BaseNode.DefinePorts()
	_ = n.Ports().AddOutput(workflow.PortTryBody, workflow.PortKindExec, "")
	_ = n.Ports().AddOutput(workflow.PortTryCatch, workflow.PortKindExec, "")
	_ = n.Ports().AddOutput(workflow.PortTryFinally, workflow.PortKindExec, "")
}

// Execute does nothing; the executor drives the region from the ports.
func (n *TryNode) Execute(context.Context, *workflow.ExecutionContext) *workflow.ExecutionResult {
	return workflow.Succeed(nil)
}

// CatchNode is a catch entry. It receives the caught error before it runs and
// exposes it as the variable named by error_var (default "error") and on its
// "error" data output.
type CatchNode struct {
	*workflow.BaseNode
	errorVar string
}

// NewCatchNode 创建 catch 节点
func NewCatchNode(id string, cfg map[string]any) (workflow.Node, error) {
	n := &CatchNode{BaseNode: workflow.NewBaseNode(id, TypeCatch, cfg)}
	n.errorVar = n.ConfigString("error_var", "error")
	return n, nil
}

func (n *CatchNode) DefinePorts() {
	n.BaseNode.DefinePorts()
	_ = n.Ports().AddOutput("error", workflow.PortKindData, workflow.DataTypeObject)
}

// ReceiveError implements workflow.ErrorReceiver.
func (n *CatchNode) ReceiveError(ec *workflow.ExecutionContext, caught *workflow.CaughtError) {
	ec.NodeState(n.ID())["error"] = caught
	ec.Variables().SetFrom(n.ID(), n.errorVar, errorValue(caught))
}

func (n *CatchNode) Execute(_ context.Context, ec *workflow.ExecutionContext) *workflow.ExecutionResult {
	caught, _ := ec.NodeState(n.ID())["error"].(*workflow.CaughtError)
	if caught == nil {
		caught, _ = ec.CaughtError()
	}
	ec.ResetNodeState(n.ID())
	if caught == nil {
		return workflow.Succeed(nil, workflow.PortExecOut)
	}
	return workflow.Succeed(map[string]any{"error": errorValue(caught)}, workflow.PortExecOut)
}

func errorValue(c *workflow.CaughtError) map[string]any {
	return map[string]any{
		"node_id":        c.NodeID,
		"node_type":      c.NodeType,
		"message":        c.Message,
		"code":           int(c.Code),
		"category":       string(c.Category),
		"classification": string(c.Classification),
	}
}

// FinallyNode is a finally entry. It only passes control on.
type FinallyNode struct {
	*workflow.BaseNode
}

// NewFinallyNode 创建 finally 节点
func NewFinallyNode(id string, cfg map[string]any) (workflow.Node, error) {
	return &FinallyNode{BaseNode: workflow.NewBaseNode(id, TypeFinally, cfg)}, nil
}

func (n *FinallyNode) Execute(context.Context, *workflow.ExecutionContext) *workflow.ExecutionResult {
	return workflow.Succeed(nil, workflow.PortExecOut)
}
