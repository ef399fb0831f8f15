/*
包 migration 管理检查点表（runflow_checkpoints）的 Schema 迁移，基于
golang-migrate，支持 PostgreSQL、MySQL 与 SQLite。

各方言的 SQL 文件通过 embed.FS 内嵌在 migrations/<dialect>/ 下。
SQLite 使用纯 Go 驱动（与 internal/database 的 gorm 方言相同），
因此无需 CGO。

  - Migrator / DefaultMigrator：Up、Down、DownAll、Steps、Goto、Force、
    Version、Status、Info、Close
  - CLI：`runflow migrate <sub>` 的终端输出层
  - EnsureSchema：serve 启动时为 sql 检查点后端应用待执行迁移
*/
package migration
