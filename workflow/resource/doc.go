// Package resource 提供浏览器、桌面和网络客户端三类稀缺资源的并发门控。
//
// 每个编排会话持有一组 Gates；执行上下文通过 Manager.Derive 获得
// 自己的 Manager，共享门控但独立跟踪租约。桌面门控容量恒为 1。
// 获取超时返回 *AcquireTimeoutError，可用 errors.Is(err, ErrAcquireTimeout) 判断。
package resource
