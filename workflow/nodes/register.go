package nodes

import (
	"github.com/BaSui01/runflow/workflow"
	"github.com/BaSui01/runflow/workflow/resource"
)

// RegisterBuiltins registers every built-in node type on r.
func RegisterBuiltins(r *workflow.NodeRegistry) {
	r.Register(TypeStart, NewStartNode)
	r.Register(TypeSetVariable, NewSetVariableNode)
	r.Register(TypeLog, NewLogNode)
	r.Register(TypeDelay, NewDelayNode)
	r.Register(TypeFail, NewFailNode)
	r.Register(TypeIf, NewIfNode)
	r.Register(TypeWhile, NewWhileNode)
	r.Register(TypeForEach, NewForEachNode)

	r.Register(TypeTry, NewTryNode)
	r.Register(TypeCatch, NewCatchNode)
	r.Register(TypeFinally, NewFinallyNode)

	r.Register(TypeBrowserResource, newClassResourceNode(TypeBrowserResource, resource.ClassBrowser))
	r.Register(TypeDesktopResource, newClassResourceNode(TypeDesktopResource, resource.ClassDesktop))
	r.Register(TypeHTTPClientResource, newClassResourceNode(TypeHTTPClientResource, resource.ClassNetwork))
	r.Register(TypeHTTPRequest, NewHTTPRequestNode)
}

// NewRegistry returns a registry holding the built-in node types.
func NewRegistry() *workflow.NodeRegistry {
	r := workflow.NewNodeRegistry()
	RegisterBuiltins(r)
	return r
}
