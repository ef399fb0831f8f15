// Copyright (c) RunFlow Authors.
// Licensed under the MIT License.

/*
包 cache 管理 RunFlow 的 Redis 连接。

Manager 持有 go-redis 客户端，负责连通性校验、可选 TLS（internal/tlsutil）、
后台健康检查与关闭。检查点 RedisStore 通过 Client() 复用同一连接，
serve 模式把结束的运行摘要通过 SetJSON 写入，供 GET /runs/summary 按
run_id 查询。
*/
package cache
