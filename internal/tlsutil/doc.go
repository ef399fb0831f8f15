// Copyright (c) RunFlow Authors.
// Licensed under the MIT License.

/*
包 tlsutil 集中提供加固的 TLS 配置（TLS 1.2+，仅 AEAD 密码套件）。

  - DefaultTLSConfig：serve 模式 HTTPS 监听与 Redis TLS 连接
  - SecureTransport / SecureHTTPClient：网络类资源租约的 HTTP 客户端
*/
package tlsutil
