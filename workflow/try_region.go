package workflow

import (
	"github.com/BaSui01/runflow/types"
	"github.com/BaSui01/runflow/workflow/recovery"
)

// Try construct exec output ports.
const (
	PortTryBody    = "body"
	PortTryCatch   = "catch"
	PortTryFinally = "finally"
)

// TryConstruct marks nodes that open a protected region. Such nodes declare
// the exec outputs body, catch and finally (and usually exec_out for the
// continuation after the region).
type TryConstruct interface {
	Node
	IsTry() bool
}

// ErrorReceiver is implemented by catch-entry nodes that want the caught
// error before they execute.
type ErrorReceiver interface {
	ReceiveError(ec *ExecutionContext, caught *CaughtError)
}

// CaughtError is the failure recorded on a try region.
type CaughtError struct {
	TryID          string                  `json:"try_id"`
	NodeID         string                  `json:"node_id"`
	NodeType       string                  `json:"node_type"`
	Message        string                  `json:"message"`
	Code           recovery.Code           `json:"code,omitempty"`
	Category       recovery.Category       `json:"category"`
	Classification recovery.Classification `json:"classification"`
}

// TryPhase 区域状态
type TryPhase string

const (
	TryIdle      TryPhase = "IDLE"
	TryProtected TryPhase = "PROTECTED"
	TryCaught    TryPhase = "CAUGHT"
	TryDone      TryPhase = "DONE"
)

type tryState struct {
	tryID  string
	phase  TryPhase
	caught *CaughtError
}

func (ec *ExecutionContext) setTryPhase(st *tryState, phase TryPhase, caught *CaughtError) {
	ec.mu.Lock()
	st.phase = phase
	if caught != nil {
		st.caught = caught
	}
	ec.mu.Unlock()
}

// TryPhase returns the phase of the region rooted at tryID in this context.
func (ec *ExecutionContext) TryPhase(tryID string) TryPhase {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	for i := len(ec.tries) - 1; i >= 0; i-- {
		if ec.tries[i].tryID == tryID {
			return ec.tries[i].phase
		}
	}
	return TryIdle
}

// TryRegion is the structural description of one try/catch/finally triple,
// resolved once at graph-build time.
type TryRegion struct {
	TryID          string
	BodyEntries    []string
	CatchEntries   []string
	FinallyEntries []string
	Continue       []string

	body    map[string]bool
	catch   map[string]bool
	finally map[string]bool
}

// InBody reports whether id belongs to the protected body.
func (r *TryRegion) InBody(id string) bool { return r.body[id] }

// InCatch reports whether id belongs to the catch section.
func (r *TryRegion) InCatch(id string) bool { return r.catch[id] }

// InFinally reports whether id belongs to the finally section.
func (r *TryRegion) InFinally(id string) bool { return r.finally[id] }

// Member reports whether id belongs to any section of the region.
func (r *TryRegion) Member(id string) bool {
	return r.body[id] || r.catch[id] || r.finally[id]
}

// BuildTryRegions resolves every try construct in g. Body members are the
// nodes reachable from the body entries without passing through the try node
// or a catch/finally entry; catch members likewise stop at finally entries.
func BuildTryRegions(g *Graph) (map[string]*TryRegion, error) {
	regions := make(map[string]*TryRegion)
	for _, n := range g.Nodes() {
		tc, ok := n.(TryConstruct)
		if !ok || !tc.IsTry() {
			continue
		}
		id := n.ID()
		r := &TryRegion{
			TryID:          id,
			BodyEntries:    g.Targets(id, PortTryBody),
			CatchEntries:   g.Targets(id, PortTryCatch),
			FinallyEntries: g.Targets(id, PortTryFinally),
			Continue:       g.Targets(id, PortExecOut),
		}
		if len(r.BodyEntries) == 0 {
			return nil, types.Errorf(types.ErrInvalidGraph, "try node %q has no body", id).WithNode(id)
		}

		stopAt := func(ids ...[]string) map[string]bool {
			m := map[string]bool{id: true}
			for _, list := range ids {
				for _, x := range list {
					m[x] = true
				}
			}
			return m
		}
		r.finally = reach(g, r.FinallyEntries, stopAt())
		r.catch = reach(g, r.CatchEntries, stopAt(r.FinallyEntries))
		r.body = reach(g, r.BodyEntries, stopAt(r.CatchEntries, r.FinallyEntries))

		for _, entry := range r.CatchEntries {
			if r.body[entry] {
				return nil, types.Errorf(types.ErrInvalidGraph, "try node %q: catch entry %q is inside the body", id, entry).WithNode(id)
			}
		}
		regions[id] = r
	}
	return regions, nil
}

// reach collects nodes reachable from entries over exec edges without
// expanding into blocked nodes (entries themselves are always included).
func reach(g *Graph, entries []string, blocked map[string]bool) map[string]bool {
	seen := make(map[string]bool)
	queue := append([]string(nil), entries...)
	for _, e := range entries {
		seen[e] = true
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.Successors(cur) {
			if seen[next] || blocked[next] {
				continue
			}
			seen[next] = true
			queue = append(queue, next)
		}
	}
	return seen
}
