package api

import (
	"fmt"
	"strings"

	"github.com/BaSui01/runflow/workflow"
)

// =============================================================================
// 运行请求类型
// =============================================================================

// Run modes accepted by RunRequest.Mode.
const (
	RunModeFull   = "full"
	RunModeTo     = "to"
	RunModeSingle = "single"
	RunModeFrom   = "from"
)

// Definition formats accepted by RunRequest.Format.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// RunRequest 启动一次工作流运行
// @Description 运行请求结构
type RunRequest struct {
	// 工作流定义文本（YAML 或 JSON）
	Definition string `json:"definition" binding:"required"`
	// 定义格式：yaml（默认）或 json
	Format string `json:"format,omitempty" example:"yaml"`
	// 运行模式：full（默认）、to、single、from
	Mode string `json:"mode,omitempty" example:"full"`
	// to/single/from 模式的目标节点
	Node string `json:"node,omitempty" example:"fetch"`
	// from 模式下是否以上次运行的缓存播种上下文
	UseCache bool `json:"use_cache,omitempty"`
	// 覆盖定义中的变量默认值
	Variables map[string]any `json:"variables,omitempty"`
	// 为 true 时同步等待运行结束并返回摘要
	Wait bool `json:"wait,omitempty"`
}

// Normalize fills defaults and validates the request.
func (r *RunRequest) Normalize() error {
	if strings.TrimSpace(r.Definition) == "" {
		return fmt.Errorf("definition is required")
	}
	r.Format = strings.ToLower(strings.TrimSpace(r.Format))
	if r.Format == "" {
		r.Format = FormatYAML
	}
	if r.Format != FormatYAML && r.Format != FormatJSON {
		return fmt.Errorf("unsupported format %q", r.Format)
	}
	r.Mode = strings.ToLower(strings.TrimSpace(r.Mode))
	if r.Mode == "" {
		r.Mode = RunModeFull
	}
	switch r.Mode {
	case RunModeFull:
	case RunModeTo, RunModeSingle, RunModeFrom:
		if r.Node == "" {
			return fmt.Errorf("mode %q requires node", r.Mode)
		}
	default:
		return fmt.Errorf("unsupported mode %q", r.Mode)
	}
	if r.UseCache && r.Mode != RunModeFrom {
		return fmt.Errorf("use_cache only applies to mode %q", RunModeFrom)
	}
	return nil
}

// =============================================================================
// 运行响应类型
// =============================================================================

// RunAccepted 异步运行已受理
// @Description 异步运行受理响应
type RunAccepted struct {
	Workflow   string `json:"workflow" example:"crawl"`
	Mode       string `json:"mode" example:"full"`
	TotalNodes int    `json:"total_nodes" example:"5"`
}

// RunStatus 当前会话状态
// @Description 当前运行状态
type RunStatus struct {
	Running  bool                       `json:"running"`
	Paused   bool                       `json:"paused"`
	Progress float64                    `json:"progress"`
	Summary  *workflow.ExecutionSummary `json:"summary,omitempty"`
}

// ControlResponse pause/resume/stop 的结果
// @Description 运行控制响应
type ControlResponse struct {
	Action  string `json:"action" example:"pause"`
	Running bool   `json:"running"`
	Paused  bool   `json:"paused"`
}

// BreakerState 单个节点熔断器状态
// @Description 熔断器状态
type BreakerState struct {
	NodeID string `json:"node_id"`
	State  string `json:"state" example:"closed"`
}
