package dsl

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/runflow/types"
	"github.com/BaSui01/runflow/workflow"
)

// Workflow is a parsed definition turned into an executable graph.
type Workflow struct {
	Definition *Definition
	Graph      *workflow.Graph
	// Variables 变量默认值，运行前写入执行上下文
	Variables map[string]any
	Settings  workflow.ExecutionSettings
}

// Parser 定义解析器，按节点注册表创建节点
type Parser struct {
	registry *workflow.NodeRegistry
}

// NewParser creates a parser that instantiates nodes through registry.
func NewParser(registry *workflow.NodeRegistry) *Parser {
	return &Parser{registry: registry}
}

// ParseFile 从文件解析定义（.json 按 JSON 解析，其余按 YAML）
func (p *Parser) ParseFile(filename string) (*Workflow, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read definition file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(filename), ".json") {
		return p.ParseJSON(data)
	}
	return p.Parse(data)
}

// Parse 解析 YAML 定义
func (p *Parser) Parse(data []byte) (*Workflow, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, types.NewError(types.ErrInvalidGraph, "parse YAML definition").WithCause(err)
	}
	return p.Build(&def)
}

// ParseJSON 解析 JSON 定义
func (p *Parser) ParseJSON(data []byte) (*Workflow, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, types.NewError(types.ErrInvalidGraph, "parse JSON definition").WithCause(err)
	}
	return p.Build(&def)
}

// Build validates def and builds its graph.
func (p *Parser) Build(def *Definition) (*Workflow, error) {
	if errs := NewValidator(p.registry).Validate(def); len(errs) > 0 {
		return nil, types.Errorf(types.ErrInvalidGraph, "invalid definition %q", def.Name).WithCause(errors.Join(errs...))
	}

	vars := make(map[string]any, len(def.Variables))
	for name, vd := range def.Variables {
		if vd.Default != nil {
			vars[name] = vd.Default
		}
	}

	g := workflow.NewGraph(def.Name)
	for _, nd := range def.Nodes {
		cfg, _ := Interpolate(nd.Config, vars).(map[string]any)
		if cfg == nil {
			cfg = make(map[string]any)
		}
		if nd.Entry {
			cfg["entry"] = true
		}
		node, err := p.registry.Create(nd.Type, nd.ID, cfg)
		if err != nil {
			return nil, err
		}
		if err := g.AddNode(node); err != nil {
			return nil, err
		}
	}

	for _, nd := range def.Nodes {
		for _, next := range nd.Next {
			if err := g.Connect(nd.ID, workflow.PortExecOut, next); err != nil {
				return nil, err
			}
		}
		for _, port := range sortedKeys(nd.Outputs) {
			for _, target := range nd.Outputs[port] {
				if err := g.Connect(nd.ID, port, target); err != nil {
					return nil, err
				}
			}
		}
	}

	for _, ed := range def.Edges {
		from, fromPort := splitEndpoint(ed.From)
		to, toPort := splitEndpoint(ed.To)
		kind := workflow.EdgeExec
		if ed.Kind == "data" {
			kind = workflow.EdgeData
		}
		e := workflow.Edge{Source: from, SourcePort: fromPort, Target: to, TargetPort: toPort, Kind: kind}
		if err := g.AddEdge(e); err != nil {
			return nil, err
		}
	}

	if err := g.Build(); err != nil {
		return nil, err
	}

	settings, err := buildSettings(def.Settings)
	if err != nil {
		return nil, err
	}
	return &Workflow{Definition: def, Graph: g, Variables: vars, Settings: settings}, nil
}

func buildSettings(sd *SettingsDef) (workflow.ExecutionSettings, error) {
	s := workflow.DefaultSettings()
	if sd == nil {
		return s, nil
	}
	s.ContinueOnError = sd.ContinueOnError
	s.TargetNodeID = sd.TargetNode
	s.SingleNode = sd.SingleNode
	if sd.MaxRetries != nil {
		s.MaxRetries = *sd.MaxRetries
	}
	if sd.MaxNodeExecutions > 0 {
		s.MaxNodeExecutions = sd.MaxNodeExecutions
	}
	if sd.NodeTimeout != "" {
		d, err := time.ParseDuration(sd.NodeTimeout)
		if err != nil {
			return s, types.Errorf(types.ErrInvalidConfig, "settings.node_timeout %q", sd.NodeTimeout).WithCause(err)
		}
		s.NodeTimeout = d
	}
	return s, nil
}

// Interpolate replaces ${name} references in every string of v. A string
// that is exactly one reference takes the variable's value unchanged, so
// "${items}" can yield a list.
func Interpolate(v any, vars map[string]any) any {
	switch x := v.(type) {
	case string:
		if m := refPattern.FindStringSubmatch(x); m != nil && m[0] == x {
			if val, ok := vars[m[1]]; ok {
				return val
			}
			return x
		}
		return refPattern.ReplaceAllStringFunc(x, func(ref string) string {
			name := ref[2 : len(ref)-1]
			if val, ok := vars[name]; ok {
				return fmt.Sprint(val)
			}
			return ref
		})
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = Interpolate(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = Interpolate(item, vars)
		}
		return out
	default:
		return v
	}
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// 端口连线顺序需要确定
	sort.Strings(keys)
	return keys
}
