package dsl

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BaSui01/runflow/workflow"
)

// Validator 定义校验器
type Validator struct {
	registry *workflow.NodeRegistry
}

// NewValidator creates a validator. With a nil registry node types are not
// checked.
func NewValidator(registry *workflow.NodeRegistry) *Validator {
	return &Validator{registry: registry}
}

// Validate returns every problem found in def.
func (v *Validator) Validate(def *Definition) []error {
	var errs []error

	if def.Version == "" {
		errs = append(errs, fmt.Errorf("version is required"))
	}
	if def.Name == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	}
	if len(def.Nodes) == 0 {
		errs = append(errs, fmt.Errorf("nodes must have at least one node"))
	}

	ids := make(map[string]bool, len(def.Nodes))
	for i, n := range def.Nodes {
		if n.ID == "" {
			errs = append(errs, fmt.Errorf("nodes[%d]: id is required", i))
			continue
		}
		if strings.Contains(n.ID, ".") {
			errs = append(errs, fmt.Errorf("node %s: id must not contain '.'", n.ID))
		}
		if ids[n.ID] {
			errs = append(errs, fmt.Errorf("duplicate node id: %s", n.ID))
		}
		ids[n.ID] = true
		if n.Type == "" {
			errs = append(errs, fmt.Errorf("node %s: type is required", n.ID))
		} else if v.registry != nil && !v.registry.Has(n.Type) {
			errs = append(errs, fmt.Errorf("node %s: unknown type %q", n.ID, n.Type))
		}
	}

	for _, n := range def.Nodes {
		for _, next := range n.Next {
			if !ids[next] {
				errs = append(errs, fmt.Errorf("node %s: next node %q does not exist", n.ID, next))
			}
		}
		for port, targets := range n.Outputs {
			for _, t := range targets {
				if !ids[t] {
					errs = append(errs, fmt.Errorf("node %s: output %s targets unknown node %q", n.ID, port, t))
				}
			}
		}
		errs = append(errs, v.validateRefs(n.ID, n.Config, def.Variables)...)
	}

	for i, e := range def.Edges {
		from, _ := splitEndpoint(e.From)
		to, _ := splitEndpoint(e.To)
		if !ids[from] {
			errs = append(errs, fmt.Errorf("edges[%d]: source node %q does not exist", i, from))
		}
		if !ids[to] {
			errs = append(errs, fmt.Errorf("edges[%d]: target node %q does not exist", i, to))
		}
		switch e.Kind {
		case "", "exec", "data":
		default:
			errs = append(errs, fmt.Errorf("edges[%d]: invalid kind %q", i, e.Kind))
		}
	}

	for name, vd := range def.Variables {
		if vd.Required && vd.Default == nil {
			errs = append(errs, fmt.Errorf("variable %s: required variable has no default", name))
		}
	}
	return errs
}

// validateRefs checks that every ${name} used in string config values names a
// declared variable.
func (v *Validator) validateRefs(nodeID string, cfg map[string]any, vars map[string]VariableDef) []error {
	var errs []error
	walkStrings(cfg, func(s string) {
		for _, ref := range extractVariableRefs(s) {
			if _, ok := vars[ref]; !ok {
				errs = append(errs, fmt.Errorf("node %s: variable %q is not defined", nodeID, ref))
			}
		}
	})
	return errs
}

var refPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// extractVariableRefs returns the names referenced as ${name} in s.
func extractVariableRefs(s string) []string {
	var refs []string
	for _, m := range refPattern.FindAllStringSubmatch(s, -1) {
		refs = append(refs, m[1])
	}
	return refs
}

func walkStrings(v any, fn func(string)) {
	switch x := v.(type) {
	case string:
		fn(x)
	case map[string]any:
		for _, item := range x {
			walkStrings(item, fn)
		}
	case []any:
		for _, item := range x {
			walkStrings(item, fn)
		}
	}
}

// splitEndpoint splits "node.port" into its parts; the port is empty when
// omitted.
func splitEndpoint(s string) (node, port string) {
	node, port, _ = strings.Cut(s, ".")
	return node, port
}
