// Copyright (c) RunFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 RunFlow 控制面 HTTP 端点的处理器实现。

# 概述

控制面驱动单个引擎会话：同一时刻最多一个运行，运行中再次提交返回
409 ALREADY_RUNNING。所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - RunHandler    — 启动运行（完整、运行到节点、单节点、从节点开始）、暂停/恢复/停止、摘要查询
  - EventHub      — 实现 workflow.EventSink，把引擎事件经 WebSocket 推送给订阅者
  - HealthHandler — 活跃度与就绪检查（/health, /healthz, /ready）
  - Response      — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo     — 结构化错误信息，含 code、message、node_id、retryable

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteErr / WriteJSON
  - 请求验证：DecodeJSONBody（4 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码映射（HTTPStatus）
  - 已完成运行的摘要保存在内存，并可经 SummaryStore（Redis）跨进程查询
*/
package handlers
