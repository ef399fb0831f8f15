/*
包 server 管理 RunFlow serve 模式下 HTTP/HTTPS 服务器的生命周期。

Manager 封装 net/http.Server：Start 非阻塞启动（配置了证书时以
internal/tlsutil 的加固 TLS 配置提供 HTTPS），Shutdown 在超时内排空请求，
WaitForShutdown 在 SIGINT/SIGTERM、ctx 取消或服务异常退出时触发优雅关闭。
FromServerConfig 把 config.ServerConfig 转为监听配置，控制端口与
metrics 端口各用一个 Manager。
*/
package server
