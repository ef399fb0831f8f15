// Copyright (c) RunFlow Authors.
// Licensed under the MIT License.

// Package config 提供 RunFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → RUNFLOW_* 环境变量 的顺序叠加，
// Validate 收集全部违规项。Reloader 监听配置文件并在变更后
// 重新加载，serve 模式借此调整日志级别与默认执行设置。
package config
