package nodes

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/runflow/workflow"
	"github.com/BaSui01/runflow/workflow/recovery"
	"github.com/BaSui01/runflow/workflow/resource"
)

// 资源节点类型名
const (
	TypeBrowserResource    = "browser_resource"
	TypeDesktopResource    = "desktop_resource"
	TypeHTTPClientResource = "http_client_resource"
)

// ClassResourceNode acquires one slot of a resource class when it executes
// and releases it on cleanup. The lease is kept in the execution context
// under the node's resource id, so every context holds its own lease even
// when the node is shared by sibling branches.
type ClassResourceNode struct {
	*workflow.BaseResourceNode
	class resource.Class
}

func newClassResourceNode(typ string, class resource.Class) workflow.NodeFactory {
	return func(id string, cfg map[string]any) (workflow.Node, error) {
		n := &ClassResourceNode{
			BaseResourceNode: workflow.NewBaseResourceNode(id, typ, cfg),
			class:            class,
		}
		if d := n.ConfigDuration("acquire_timeout", 0); d < 0 {
			return nil, fmt.Errorf("%s: negative acquire_timeout", typ)
		}
		return n, nil
	}
}

// Class returns the resource class this node acquires.
func (n *ClassResourceNode) Class() resource.Class { return n.class }

func (n *ClassResourceNode) Execute(ctx context.Context, ec *workflow.ExecutionContext) *workflow.ExecutionResult {
	if _, held := ec.Resource(n.ResourceID()); held {
		return workflow.Succeed(map[string]any{"resource": n.ResourceID()})
	}
	mgr := ec.Manager()
	if mgr == nil {
		return workflow.FailWith(recovery.CodeResourceMissing, errors.New("no resource manager in execution context"))
	}
	lease, err := mgr.Acquire(ctx, n.class, n.ID(), n.ConfigDuration("acquire_timeout", 0))
	if err != nil {
		return workflow.FailWith(recovery.CodeResourceBusy, err)
	}
	ec.SetResource(n.ResourceID(), lease)
	ec.Logger().Debug("resource node acquired lease",
		zap.String("node_id", n.ID()),
		zap.String("resource_id", n.ResourceID()),
		zap.String("class", string(n.class)),
	)
	return workflow.Succeed(map[string]any{"resource": n.ResourceID()})
}

// Cleanup releases the lease held in ec. Calling it again is a no-op.
func (n *ClassResourceNode) Cleanup(_ context.Context, ec *workflow.ExecutionContext) error {
	var errs []error
	if h, ok := ec.Resource(n.ResourceID()); ok {
		if lease, ok := h.(*resource.Lease); ok {
			if err := lease.Release(); err != nil {
				errs = append(errs, err)
			}
		}
		ec.DeleteResource(n.ResourceID())
	}
	if mgr := ec.Manager(); mgr != nil {
		if _, err := mgr.CleanupCallerResources(n.ID()); err != nil {
			errs = append(errs, err)
		}
	}
	ec.ResetNodeState(n.ID())
	return errors.Join(errs...)
}

// LeaseFor resolves the lease a downstream node received on a resource data
// input.
func LeaseFor(ec *workflow.ExecutionContext, port string) (*resource.Lease, bool) {
	v, ok := ec.Input(port)
	if !ok {
		return nil, false
	}
	id, ok := v.(string)
	if !ok {
		return nil, false
	}
	h, ok := ec.Resource(id)
	if !ok {
		return nil, false
	}
	lease, ok := h.(*resource.Lease)
	return lease, ok && !lease.Released()
}
