package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/runflow/types"
	"github.com/BaSui01/runflow/workflow/recovery"
)

// NodeStatus 节点状态
type NodeStatus string

const (
	NodeStatusIdle    NodeStatus = "idle"
	NodeStatusRunning NodeStatus = "running"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusError   NodeStatus = "error"
	NodeStatusSkipped NodeStatus = "skipped"
)

// PortKind distinguishes control-flow ports from typed data ports.
type PortKind string

const (
	PortKindExec PortKind = "exec"
	PortKindData PortKind = "data"
)

// DataType 数据端口的值类型
type DataType string

const (
	DataTypeAny      DataType = "any"
	DataTypeString   DataType = "string"
	DataTypeNumber   DataType = "number"
	DataTypeBool     DataType = "bool"
	DataTypeObject   DataType = "object"
	DataTypeArray    DataType = "array"
	DataTypeResource DataType = "resource"
)

// Compatible reports whether a value of type t may flow into a port of type other.
func (t DataType) Compatible(other DataType) bool {
	return t == other || t == DataTypeAny || other == DataTypeAny || t == "" || other == ""
}

// Default exec port names.
const (
	PortExecIn  = "exec_in"
	PortExecOut = "exec_out"
)

// Port 节点端口
type Port struct {
	Name     string   `json:"name" yaml:"name"`
	Kind     PortKind `json:"kind" yaml:"kind"`
	DataType DataType `json:"data_type,omitempty" yaml:"data_type,omitempty"`
}

// Ports holds a node's declared inputs and outputs. Once frozen the set is
// immutable.
type Ports struct {
	mu      sync.RWMutex
	inputs  []Port
	outputs []Port
	frozen  bool
}

// NewPorts creates an empty, unfrozen port set.
func NewPorts() *Ports {
	return &Ports{}
}

// AddInput declares an input port.
func (p *Ports) AddInput(name string, kind PortKind, dataType DataType) error {
	return p.add(&p.inputs, "input", Port{Name: name, Kind: kind, DataType: dataType})
}

// AddOutput declares an output port.
func (p *Ports) AddOutput(name string, kind PortKind, dataType DataType) error {
	return p.add(&p.outputs, "output", Port{Name: name, Kind: kind, DataType: dataType})
}

func (p *Ports) add(list *[]Port, dir string, port Port) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frozen {
		return types.Errorf(types.ErrPortsFrozen, "cannot add %s port %q: ports are frozen", dir, port.Name)
	}
	for _, existing := range *list {
		if existing.Name == port.Name {
			return types.Errorf(types.ErrInvalidGraph, "duplicate %s port %q", dir, port.Name)
		}
	}
	if port.Kind == PortKindExec {
		port.DataType = ""
	} else if port.DataType == "" {
		port.DataType = DataTypeAny
	}
	*list = append(*list, port)
	return nil
}

// Freeze makes the port set immutable.
func (p *Ports) Freeze() {
	p.mu.Lock()
	p.frozen = true
	p.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (p *Ports) Frozen() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.frozen
}

// Inputs returns a copy of the input ports.
func (p *Ports) Inputs() []Port {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Port(nil), p.inputs...)
}

// Outputs returns a copy of the output ports.
func (p *Ports) Outputs() []Port {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Port(nil), p.outputs...)
}

// Input looks up an input port by name.
func (p *Ports) Input(name string) (Port, bool) {
	return p.find(false, name)
}

// Output looks up an output port by name.
func (p *Ports) Output(name string) (Port, bool) {
	return p.find(true, name)
}

func (p *Ports) find(output bool, name string) (Port, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	list := p.inputs
	if output {
		list = p.outputs
	}
	for _, port := range list {
		if port.Name == name {
			return port, true
		}
	}
	return Port{}, false
}

// ExecutionResult 节点执行结果
type ExecutionResult struct {
	Success bool
	// Data 按数据输出端口名索引
	Data      map[string]any
	Error     string
	ErrorCode recovery.Code
	// NextNodes 要继续的执行输出端口，按顺序；为空则该分支停止
	NextNodes []string
	// Cause 原始错误（可选），用于识别资源获取超时、配置错误等
	Cause error
}

// Succeed builds a successful result following the given exec ports.
func Succeed(data map[string]any, next ...string) *ExecutionResult {
	return &ExecutionResult{Success: true, Data: data, NextNodes: next}
}

// Fail builds a business failure result.
func Fail(code recovery.Code, format string, args ...any) *ExecutionResult {
	return &ExecutionResult{Success: false, Error: fmt.Sprintf(format, args...), ErrorCode: code}
}

// FailWith builds a failure result from err. A *types.Error carrying an
// INVALID_CONFIG code is reported as a configuration failure and an acquire
// timeout keeps its identity through Cause.
func FailWith(code recovery.Code, err error) *ExecutionResult {
	return &ExecutionResult{Success: false, Error: err.Error(), ErrorCode: code, Cause: err}
}

// Node is the contract every work step and resource-owning step satisfies.
//
// Business failures are returned as a result with Success=false; panics are
// caught by the executor and treated as unexpected failures. Cleanup must be
// idempotent and is called for every node when the run ends.
type Node interface {
	ID() string
	Type() string
	Config() map[string]any
	Status() NodeStatus
	SetStatus(NodeStatus)
	Ports() *Ports
	DefinePorts()
	Execute(ctx context.Context, ec *ExecutionContext) *ExecutionResult
	Cleanup(ctx context.Context, ec *ExecutionContext) error
}

// EntryNode is implemented by nodes that may be flagged as graph entry points.
type EntryNode interface {
	IsEntry() bool
}

// LoopConstruct marks nodes that legitimately close an exec cycle.
type LoopConstruct interface {
	Node
	IsLoop() bool
}

// BaseNode 节点通用实现，供具体节点嵌入
type BaseNode struct {
	id     string
	typ    string
	config map[string]any
	ports  *Ports

	mu     sync.RWMutex
	status NodeStatus
}

// NewBaseNode creates a BaseNode.
func NewBaseNode(id, typ string, config map[string]any) *BaseNode {
	if config == nil {
		config = make(map[string]any)
	}
	return &BaseNode{
		id:     id,
		typ:    typ,
		config: config,
		ports:  NewPorts(),
		status: NodeStatusIdle,
	}
}

func (n *BaseNode) ID() string             { return n.id }
func (n *BaseNode) Type() string           { return n.typ }
func (n *BaseNode) Config() map[string]any { return n.config }
func (n *BaseNode) Ports() *Ports          { return n.ports }

func (n *BaseNode) Status() NodeStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

func (n *BaseNode) SetStatus(s NodeStatus) {
	n.mu.Lock()
	n.status = s
	n.mu.Unlock()
}

// DefinePorts declares exec_in / exec_out.
func (n *BaseNode) DefinePorts() {
	_ = n.ports.AddInput(PortExecIn, PortKindExec, "")
	_ = n.ports.AddOutput(PortExecOut, PortKindExec, "")
}

// Cleanup is a no-op.
func (n *BaseNode) Cleanup(context.Context, *ExecutionContext) error { return nil }

// IsEntry reports the "entry" config flag.
func (n *BaseNode) IsEntry() bool {
	v, _ := n.config["entry"].(bool)
	return v
}

// ConfigString 读取字符串配置
func (n *BaseNode) ConfigString(key, def string) string {
	if v, ok := n.config[key].(string); ok {
		return v
	}
	return def
}

// ConfigInt 读取整数配置（兼容 JSON/YAML 解码出的数值类型）
func (n *BaseNode) ConfigInt(key string, def int) int {
	switch v := n.config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// ConfigBool 读取布尔配置
func (n *BaseNode) ConfigBool(key string, def bool) bool {
	if v, ok := n.config[key].(bool); ok {
		return v
	}
	return def
}

// ConfigDuration 读取时长配置，支持 "1s" 字符串或毫秒数值
func (n *BaseNode) ConfigDuration(key string, def time.Duration) time.Duration {
	switch v := n.config[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	case time.Duration:
		return v
	}
	return def
}
