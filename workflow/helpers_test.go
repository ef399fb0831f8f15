package workflow

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BaSui01/runflow/workflow/recovery"
	"github.com/BaSui01/runflow/workflow/resource"
)

// stepNode is a configurable node for engine tests.
type stepNode struct {
	*BaseNode
	exec     func(ctx context.Context, ec *ExecutionContext) *ExecutionResult
	execOuts []string
	dataIns  []string
	dataOuts []string
	loop     bool
	try      bool

	calls    atomic.Int32
	cleanups atomic.Int32
	caught   atomic.Pointer[CaughtError]
}

type stepOpt func(*stepNode)

func entry() stepOpt {
	return func(n *stepNode) { n.Config()["entry"] = true }
}

func run(fn func(ctx context.Context, ec *ExecutionContext) *ExecutionResult) stepOpt {
	return func(n *stepNode) { n.exec = fn }
}

func outs(ports ...string) stepOpt {
	return func(n *stepNode) { n.execOuts = append(n.execOuts, ports...) }
}

func dataIn(ports ...string) stepOpt {
	return func(n *stepNode) { n.dataIns = append(n.dataIns, ports...) }
}

func dataOut(ports ...string) stepOpt {
	return func(n *stepNode) { n.dataOuts = append(n.dataOuts, ports...) }
}

func loop() stepOpt {
	return func(n *stepNode) { n.loop = true }
}

func tryNode() stepOpt {
	return func(n *stepNode) {
		n.try = true
		n.exec = func(context.Context, *ExecutionContext) *ExecutionResult { return Succeed(nil) }
	}
}

// failing returns a business failure with code.
func failing(code recovery.Code, msg string) stepOpt {
	return run(func(context.Context, *ExecutionContext) *ExecutionResult {
		return Fail(code, "%s", msg)
	})
}

// setting writes name=value attributed to the node.
func setting(name string, value any) stepOpt {
	return run(func(_ context.Context, ec *ExecutionContext) *ExecutionResult {
		ec.SetVariable(name, value)
		return Succeed(map[string]any{"value": value}, PortExecOut)
	})
}

func step(id string, opts ...stepOpt) *stepNode {
	n := &stepNode{BaseNode: NewBaseNode(id, "step", nil)}
	for _, o := range opts {
		o(n)
	}
	return n
}

func (n *stepNode) DefinePorts() {
	n.BaseNode.DefinePorts()
	if n.try {
		n.execOuts = append(n.execOuts, PortTryBody, PortTryCatch, PortTryFinally)
	}
	for _, p := range n.execOuts {
		_ = n.Ports().AddOutput(p, PortKindExec, "")
	}
	for _, p := range n.dataIns {
		_ = n.Ports().AddInput(p, PortKindData, DataTypeAny)
	}
	for _, p := range n.dataOuts {
		_ = n.Ports().AddOutput(p, PortKindData, DataTypeAny)
	}
}

func (n *stepNode) Execute(ctx context.Context, ec *ExecutionContext) *ExecutionResult {
	n.calls.Add(1)
	if n.exec != nil {
		return n.exec(ctx, ec)
	}
	return Succeed(nil, PortExecOut)
}

func (n *stepNode) Cleanup(context.Context, *ExecutionContext) error {
	n.cleanups.Add(1)
	return nil
}

func (n *stepNode) IsLoop() bool { return n.loop }
func (n *stepNode) IsTry() bool  { return n.try }

func (n *stepNode) ReceiveError(_ *ExecutionContext, c *CaughtError) { n.caught.Store(c) }

// trail is an ordered, concurrency-safe list of markers.
type trail struct {
	mu    sync.Mutex
	items []string
}

func (l *trail) add(s string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.items = append(l.items, s)
	l.mu.Unlock()
}

func (l *trail) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.items...)
}

// leaseNode acquires one slot of class and keeps the lease in ec.
type leaseNode struct {
	*BaseResourceNode
	class   resource.Class
	fail    bool
	timeout time.Duration
	log     *trail
	cleaned atomic.Int32
	// onExecute 在获取前调用，用于观察注册表中间状态
	onExecute func(ec *ExecutionContext)
}

func newLeaseNode(id string, class resource.Class, log *trail) *leaseNode {
	return &leaseNode{BaseResourceNode: NewBaseResourceNode(id, "lease", nil), class: class, log: log}
}

func (n *leaseNode) record(s string) { n.log.add(s) }

func (n *leaseNode) Execute(ctx context.Context, ec *ExecutionContext) *ExecutionResult {
	if n.onExecute != nil {
		n.onExecute(ec)
	}
	if n.fail {
		n.record("fail:" + n.ID())
		return Fail(recovery.CodeResourceExhausted, "cannot open %s", n.ID())
	}
	lease, err := ec.Manager().Acquire(ctx, n.class, n.ID(), n.timeout)
	if err != nil {
		return FailWith(recovery.CodeResourceBusy, err)
	}
	ec.SetResource(n.ResourceID(), lease)
	n.record("init:" + n.ID())
	return Succeed(map[string]any{"resource": n.ResourceID()})
}

func (n *leaseNode) Cleanup(_ context.Context, ec *ExecutionContext) error {
	n.cleaned.Add(1)
	if h, ok := ec.Resource(n.ResourceID()); ok {
		ec.DeleteResource(n.ResourceID())
		n.record("cleanup:" + n.ID())
		return h.(*resource.Lease).Release()
	}
	return nil
}

// newTestGraph adds nodes and exec edges written as "src->dst" or
// "src.port->dst".
func newTestGraph(t *testing.T, name string, nodes []Node, edges ...string) *Graph {
	t.Helper()
	g := NewGraph(name)
	for _, n := range nodes {
		require.NoError(t, g.AddNode(n))
	}
	for _, e := range edges {
		src, dst, _ := strings.Cut(e, "->")
		srcNode, port, ok := strings.Cut(src, ".")
		if !ok {
			port = PortExecOut
		}
		require.NoError(t, g.Connect(srcNode, port, dst), e)
	}
	return g
}

func fastPolicy() *recovery.Policy {
	return recovery.NewPolicy(recovery.WithDefaultHandler(&recovery.DefaultHandler{
		Backoff:      &recovery.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
		UnknownDelay: time.Millisecond,
	}))
}

func newTestEngine(t *testing.T, g *Graph, opts ...EngineOption) *Engine {
	t.Helper()
	e, err := NewEngine(g, append([]EngineOption{WithPolicy(fastPolicy())}, opts...)...)
	require.NoError(t, err)
	return e
}

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
