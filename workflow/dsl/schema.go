package dsl

// Definition 工作流定义文件（YAML 或 JSON）顶层结构
type Definition struct {
	// Version 定义格式版本
	Version string `yaml:"version" json:"version"`
	// Name 工作流名称
	Name string `yaml:"name" json:"name"`
	// Description 描述
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Variables 初始变量；字符串配置中的 ${name} 用默认值插值
	Variables map[string]VariableDef `yaml:"variables,omitempty" json:"variables,omitempty"`

	// Settings 执行设置（可选）
	Settings *SettingsDef `yaml:"settings,omitempty" json:"settings,omitempty"`

	// Nodes 节点
	Nodes []NodeDef `yaml:"nodes" json:"nodes"`

	// Edges 显式连线
	Edges []EdgeDef `yaml:"edges,omitempty" json:"edges,omitempty"`

	// Metadata 元数据
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// VariableDef 变量定义
type VariableDef struct {
	Type        string `yaml:"type,omitempty" json:"type,omitempty"` // string, number, bool, list, map
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// SettingsDef mirrors workflow.ExecutionSettings with string durations.
type SettingsDef struct {
	ContinueOnError   bool   `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
	NodeTimeout       string `yaml:"node_timeout,omitempty" json:"node_timeout,omitempty"`
	TargetNode        string `yaml:"target_node,omitempty" json:"target_node,omitempty"`
	SingleNode        bool   `yaml:"single_node,omitempty" json:"single_node,omitempty"`
	MaxRetries        *int   `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	MaxNodeExecutions int    `yaml:"max_node_executions,omitempty" json:"max_node_executions,omitempty"`
}

// NodeDef 节点定义
type NodeDef struct {
	ID     string         `yaml:"id" json:"id"`
	Type   string         `yaml:"type" json:"type"`
	Entry  bool           `yaml:"entry,omitempty" json:"entry,omitempty"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	// Next 是 exec_out 连线的简写
	Next []string `yaml:"next,omitempty" json:"next,omitempty"`
	// Outputs 按执行输出端口列出目标节点，例如 if 节点的 true/false
	Outputs map[string][]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// EdgeDef 连线定义。端点写作 "node" 或 "node.port"。
type EdgeDef struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
	// Kind exec（默认）或 data
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`
}
