/*
Package nodes 提供内置节点类型。

控制类：start、set_variable、log、delay、fail、if、while、for_each。
异常处理：try、catch、finally，由执行器按 body/catch/finally 端口驱动。
资源类：browser_resource、desktop_resource、http_client_resource，在执行时
从资源管理器获取对应类别的租约，清理时释放。
网络：http_request，可接入 http_client_resource 的租约，也可自行占用网络槽位。

使用 RegisterBuiltins 或 NewRegistry 注册全部类型，再交给 dsl.Parser 构建图。
*/
package nodes
