// Package dsl 提供 YAML/JSON 声明式工作流定义：节点、执行连线、数据连线、
// 变量默认值（${var} 插值）和执行设置，并通过节点注册表构建可执行的 workflow.Graph。
//
// 包内还提供 if/while 等节点使用的条件表达式语言，见 Compile。
package dsl
