package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/runflow/types"
	"github.com/BaSui01/runflow/workflow/resource"
)

// ResourceNode is a node that creates and owns a shared resource handle. Its
// Execute creates the handle and stores it with ec.SetResource; its Cleanup
// destroys it.
type ResourceNode interface {
	Node
	ResourceID() string
	ResourceName() string
}

// BaseResourceNode 资源节点通用实现
type BaseResourceNode struct {
	*BaseNode
	resourceID   string
	resourceName string
}

// NewBaseResourceNode reads resource_id (default: node id) and resource_name
// (default: node type) from config.
func NewBaseResourceNode(id, typ string, config map[string]any) *BaseResourceNode {
	b := NewBaseNode(id, typ, config)
	return &BaseResourceNode{
		BaseNode:     b,
		resourceID:   b.ConfigString("resource_id", id),
		resourceName: b.ConfigString("resource_name", typ),
	}
}

func (n *BaseResourceNode) ResourceID() string   { return n.resourceID }
func (n *BaseResourceNode) ResourceName() string { return n.resourceName }

// DefinePorts declares a single "resource" data output carrying the resource id.
func (n *BaseResourceNode) DefinePorts() {
	_ = n.Ports().AddOutput("resource", PortKindData, DataTypeResource)
}

// ResourceRegistry 按注册顺序初始化资源节点，按初始化逆序销毁。
// 每个执行上下文持有一个注册表；同一资源 ID 在一个注册表内最多尝试初始化一次。
type ResourceRegistry struct {
	mu          sync.Mutex
	order       []string
	nodes       map[string]ResourceNode
	initialized []string
	attempted   map[string]bool
	logger      *zap.Logger
}

// NewResourceRegistry creates an empty registry.
func NewResourceRegistry(logger *zap.Logger) *ResourceRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResourceRegistry{
		nodes:     make(map[string]ResourceNode),
		attempted: make(map[string]bool),
		logger:    logger.With(zap.String("component", "resource_registry")),
	}
}

// Register inserts node by resource id. A colliding id replaces the prior
// registration in place.
func (r *ResourceRegistry) Register(node ResourceNode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := node.ResourceID()
	if prev, exists := r.nodes[id]; exists {
		r.logger.Warn("resource id registered twice, replacing",
			zap.String("resource_id", id),
			zap.String("previous_node", prev.ID()),
			zap.String("node_id", node.ID()),
		)
		r.nodes[id] = node
		return
	}
	r.nodes[id] = node
	r.order = append(r.order, id)
}

// RegisteredIDs returns resource ids in registration order.
func (r *ResourceRegistry) RegisteredIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// InitializedIDs returns initialized resource ids in initialization order.
func (r *ResourceRegistry) InitializedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.initialized...)
}

// IsInitialized reports whether id is currently initialized.
func (r *ResourceRegistry) IsInitialized(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.initialized {
		if x == id {
			return true
		}
	}
	return false
}

// InitializeAll executes every registered resource node in registration
// order. On the first failure it tears down, in reverse order, every resource
// already initialized and returns an error naming the failing resource.
func (r *ResourceRegistry) InitializeAll(ctx context.Context, ec *ExecutionContext) error {
	for _, id := range r.RegisteredIDs() {
		r.mu.Lock()
		node := r.nodes[id]
		already := r.attempted[id]
		r.attempted[id] = true
		r.mu.Unlock()

		if already {
			if r.IsInitialized(id) {
				continue
			}
			err := types.Errorf(types.ErrResourceInitFailed, "resource %q was already attempted in this context", id)
			r.CleanupAll(ctx, ec)
			return err
		}

		r.logger.Debug("initializing resource",
			zap.String("resource_id", id),
			zap.String("node_id", node.ID()),
		)
		node.SetStatus(NodeStatusRunning)
		res := r.execute(ctx, ec, node)
		if res == nil || !res.Success {
			msg := "resource node returned no result"
			if res != nil {
				msg = res.Error
			}
			node.SetStatus(NodeStatusError)
			r.logger.Error("resource initialization failed",
				zap.String("resource_id", id),
				zap.String("error", msg),
			)
			r.CleanupAll(ctx, ec)
			return initFailure(id, node.ID(), msg, res)
		}

		node.SetStatus(NodeStatusSuccess)
		ec.setPortValues(node.ID(), res.Data)
		r.mu.Lock()
		r.initialized = append(r.initialized, id)
		r.mu.Unlock()
	}
	return nil
}

// initFailure builds the error returned for a failed resource node. The
// node's cause stays in the chain; an acquisition timeout keeps its own code
// and retryable flag.
func initFailure(id, nodeID, msg string, res *ExecutionResult) error {
	code := types.ErrResourceInitFailed
	var cause error
	if res != nil {
		cause = res.Cause
	}
	if errors.Is(cause, resource.ErrAcquireTimeout) {
		code = types.ErrAcquireTimeout
	}
	err := types.Errorf(code, "initialize resource %q: %s", id, msg).WithNode(nodeID)
	if cause != nil {
		err = err.WithCause(cause).WithRetryable(code == types.ErrAcquireTimeout || types.IsRetryable(cause))
	}
	return err
}

func (r *ResourceRegistry) execute(ctx context.Context, ec *ExecutionContext, node ResourceNode) (res *ExecutionResult) {
	defer func() {
		if p := recover(); p != nil {
			res = &ExecutionResult{Success: false, Error: fmt.Sprintf("panic: %v", p)}
		}
	}()
	return node.Execute(ctx, ec)
}

// CleanupAll tears down every initialized resource in reverse initialization
// order. Failures (errors or panics) are logged and do not stop the teardown.
func (r *ResourceRegistry) CleanupAll(ctx context.Context, ec *ExecutionContext) {
	r.mu.Lock()
	ids := r.initialized
	r.initialized = nil
	r.mu.Unlock()

	for i := len(ids) - 1; i >= 0; i-- {
		r.mu.Lock()
		node := r.nodes[ids[i]]
		r.mu.Unlock()
		if node == nil {
			continue
		}
		if err := r.cleanup(ctx, ec, node); err != nil {
			r.logger.Warn("resource cleanup failed",
				zap.String("resource_id", ids[i]),
				zap.Error(err),
			)
			continue
		}
		r.logger.Debug("resource cleaned up", zap.String("resource_id", ids[i]))
	}
}

func (r *ResourceRegistry) cleanup(ctx context.Context, ec *ExecutionContext, node ResourceNode) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during cleanup: %v", p)
		}
	}()
	return node.Cleanup(ctx, ec)
}
