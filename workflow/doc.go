// Copyright (c) RunFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供基于节点图的工作流执行引擎。

# 概述

工作流是由节点和带端口的边组成的有向图。执行边（exec）决定控制流，
数据边（data）把上游节点的输出端口值传给下游节点的输入端口。
引擎从入口节点出发按 FIFO 顺序遍历图，每个节点失败后交给恢复策略
（recovery 包）决定重试、跳过、升级或中止。

# 核心类型

  - Node / BaseNode        — 节点契约与通用实现（端口、配置读取、状态）
  - ResourceNode           — 创建并持有稀缺资源句柄的节点
  - Graph                  — 节点与边的集合，Build 时校验环并解析 try 区域
  - Orchestrator           — 纯图查询：入口节点、可达性、执行路径
  - Engine                 — 单会话执行引擎：完整运行、运行到节点、单节点、从节点开始
  - ExecutionContext       — 单次运行（或并行分支）的变量、资源、端口值和暂停/停止信号
  - ResourceRegistry       — 按注册顺序初始化资源节点，按逆序销毁
  - ParallelCoordinator    — 多入口图的每个入口作为独立分支并发执行
  - PartialExecutor        — 计算下游子图并从缓存快照播种上下文
  - StateManager           — 单次运行的模式、执行路径、进度与失败状态

# 并发模型

变量表在兄弟上下文之间共享（后写者胜）；资源表、资源注册表和租约为每个
分支私有。资源闸门（resource.Gates）在会话内共享，桌面类资源全局互斥。
暂停闸门在节点之间的检查点生效，停止标志在下一个检查点终止所有分支。

# 子包

  - checkpoint — 快照存储（内存、Redis、SQL、MongoDB）
  - recovery   — 错误分类与恢复策略
  - resource   — 资源闸门、租约与管理器
  - dsl        — YAML/JSON 工作流定义解析与表达式
  - nodes      — 内置节点类型
*/
package workflow
