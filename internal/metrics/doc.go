// Copyright (c) RunFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的执行引擎指标采集。

# 概述

Collector 通过 promauto.With(registerer) 注册全部指标，按 namespace
隔离。它同时实现 workflow.MetricsRecorder 与 resource.Metrics，
可直接传给 workflow.WithMetrics 与 workflow.WithResourceMetrics。

# 主要能力

  - 节点指标：执行次数与耗时，按 node_type/status 分组。
  - 恢复指标：恢复决策计数，按 node_type/action 分组。
  - 运行指标：运行次数与耗时，按 mode/status 分组。
  - 资源指标：获取尝试、等待耗时、当前占用数，按 class 分组。
  - 熔断器指标：状态变化计数。
  - HTTP 与数据库连接池指标，供 serve 模式使用。
*/
package metrics
