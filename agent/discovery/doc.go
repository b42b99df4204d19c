/*
Package discovery 实现 Agent 注册与发现服务（Registry Service）。

# 概述

Service 是注册、发现、匹配、排序、组队与健康上报的唯一入口。它持有
注册存储（Store）、能力匹配器（capability.Matcher）与健康监控器
（health.Monitor），不使用任何包级单例。

# 注册存储

Store 以 Agent ID 为主键保存 AgentRegistration，并维护按类型、租户、
领域的二级索引。插入与删除在同一把写锁内同时更新主表与全部索引，
读操作返回深拷贝。Sequence 记录注册先后，用于排序时的平局裁决。

# 发现与匹配

  - Discover：按租户限定范围，逐个检查领域、类型、协议、性能谓词，
    默认全有或全无，分数为命中谓词权重占比，结果单调。
  - Match：各项部分给分（领域、性能、协议、约束、健康），约束项由
    容量评估给出预算与截止时间的可行性，并生成主推荐、备选与组队建议。
  - Rank / ComposeEnsemble：委托 capability.Matcher。

# 并发模型

同一 Agent 的写操作通过 xxhash 分片互斥锁串行化；持久化在分片锁内
完成，保证同一 Agent 的保存顺序。Service 实现 health.Sink，负责
连续失败计数，无论失败来自健康检查还是 UpdateAgentHealth 上报，
达到阈值即在同一临界区内转入自动挂起状态。

# 事件

EventBus 同步分发 registered、unregistered、health_updated、
state_changed、suspended、health_check_failed、health_check_recovered、
sla_violation 事件；订阅者 panic 会被恢复并记录日志。

# 持久化

Persistence 只是内存状态的镜像：失败仅记录日志与指标，不影响已成功的
内存操作。Start 时通过 Rehydrate 恢复注册、索引、生命周期与检查调度；
后台清理任务按保留期清除已终止的生命周期记录。
*/
package discovery
