package workflow

import (
	"sort"
	"sync"

	"github.com/BaSui01/runflow/types"
)

// NodeFactory builds a node instance from its id and config.
type NodeFactory func(id string, config map[string]any) (Node, error)

// NodeRegistry 节点类型注册表（类型名 -> 构造函数）
type NodeRegistry struct {
	mu        sync.RWMutex
	factories map[string]NodeFactory
}

// NewNodeRegistry creates an empty registry.
func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{factories: make(map[string]NodeFactory)}
}

// Register 注册节点类型，已存在则覆盖
func (r *NodeRegistry) Register(nodeType string, factory NodeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[nodeType] = factory
}

// Has reports whether nodeType is registered.
func (r *NodeRegistry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[nodeType]
	return ok
}

// Types 返回已注册类型（排序）
func (r *NodeRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Create 创建节点实例
func (r *NodeRegistry) Create(nodeType, id string, config map[string]any) (Node, error) {
	r.mu.RLock()
	factory, ok := r.factories[nodeType]
	r.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrUnknownNodeType, "unknown node type %q for node %q", nodeType, id)
	}
	node, err := factory(id, config)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidConfig, "create node %q (%s)", id, nodeType).WithCause(err).WithNode(id)
	}
	return node, nil
}
