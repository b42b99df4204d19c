/*
包 persistence 为注册中心提供注册记录与生命周期的持久化后端。

# 概述

discovery.Service 在每次变更后，于该智能体的锁内写入持久化后端；
启动时通过 Rehydrate 调用 LoadAll 恢复内存状态。本包实现
discovery.Persistence 接口，并在其上增加 Close 与 Ping 形成 Store。

# 后端实现

  - Memory: 内存实现，保存深拷贝，适合开发与测试，重启后数据丢失。
  - File: 每条记录一个 JSON 文件，临时文件加重命名实现原子写入，适合单节点部署。
  - Redis: 两个 Hash 分别保存注册记录与生命周期，并维护按租户的 Set 索引。
  - SQL: 基于 GORM，表 agent_registrations 与 agent_lifecycles，
    以 agent_id 为主键做 upsert，支持 postgres / mysql / sqlite。
  - Mongo: 两个集合，文档 _id 为 agent_id，ReplaceOne 加 upsert 写入。

所有后端都以相同 JSON 形式保存记录，因此可以在后端之间迁移数据。

# 错误与重试

后端错误统一包装为 types.ErrPersistenceFailure。存储本身的故障标记为可重试，
非法输入与已关闭的存储不可重试。NewStore 为网络后端包上 RetryingStore，
按 RetryConfig 做指数退避。

# 使用方式

	store, err := persistence.NewStore(cfg, persistence.Dependencies{DB: db}, logger)
	svc, err := discovery.NewService(regCfg, logger, discovery.WithPersistence(store))
*/
package persistence
