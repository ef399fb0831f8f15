/*
包 database 为 SQL 检查点存储提供 GORM 方言选择与连接池管理。

# 核心类型

  - Dialector / Open：按 config.DatabaseConfig 选择 postgres、mysql
    或纯 Go sqlite 方言，打开数据库并探活。
  - PoolManager：持有 GORM DB 与底层 sql.DB，配置连接池参数，
    后台定时 PingContext 探活并把连接数上报给 StatsReporter。
  - PoolConfig：最大空闲/打开连接数、生命周期与健康检查间隔。
*/
package database
