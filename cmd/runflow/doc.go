// Copyright (c) RunFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 RunFlow 工作流执行引擎的命令行入口。

# 概述

cmd/runflow 提供一次性运行（run）、控制面服务（serve）、数据库迁移
（migrate）、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集以及配置热重载。

# 核心类型

  - Server        — 控制面服务器，管理 HTTP、Metrics 双端口及优雅关闭
  - engineRuntime — 进程内共享的检查点存储、恢复策略与执行历史
  - Middleware    — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 检查点后端：memory、redis、sql（自动迁移）、mongo
  - 中间件链：Recovery、RequestID、OTelTracing、MetricsMiddleware、
    SecurityHeaders、RequestLogger、RateLimiter（基于 IP）、JWTAuth
  - 配置热重载：Reloader 监听文件变更，日志级别与引擎设置即时生效
  - 优雅关闭：信号监听 → 停止当前运行 → 关闭 HTTP/Metrics → 释放存储
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
