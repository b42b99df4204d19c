/*
包 migration 管理注册中心 SQL 后端的表结构版本，基于 golang-migrate。

# 概述

迁移文件按方言内嵌在 migrations/<dialect>/ 下，创建 agent_registrations
与 agent_lifecycles 两张表及其索引，列定义与 persistence.SQLStore 的行模型一致。
部署时可以选择运行迁移，或者在 persistence.sql_auto_migrate 打开时由 GORM 建表。

# 核心类型

  - Migrator / DefaultMigrator：Up、Down、Steps、Goto、Force、Version、Status、Info。
    ctx 取消时通过 GracefulStop 让 golang-migrate 在当前迁移结束后停止。
  - Config：方言、连接串、版本表名、锁超时与日志。
  - CLI：agentregistry migrate 子命令的终端输出层。

# 方言

postgres 与 mysql 使用 golang-migrate 自带驱动；sqlite 通过 glebarez 的纯 Go
驱动打开连接，再交给 golang-migrate 的 sqlite3 适配层，因此不需要 CGO。
*/
package migration
