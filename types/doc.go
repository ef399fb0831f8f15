// Copyright (c) RunFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 runflow 执行引擎的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workflow、resource、
recovery、checkpoint 等上层模块提供统一的错误契约，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 Retryable 标记与所属节点 ID

# 主要能力

  - 错误工具链：NewError / Errorf / GetErrorCode / IsErrorCode / IsRetryable
  - errors.Is 按错误码匹配，便于调用方区分配置错误、获取超时与停止信号
*/
package types
