/*
Package capability 提供无状态的 Agent 能力评分引擎。

# 概述

Matcher 只持有不可变的 Policy，可被任意数量的 goroutine 共享。
所有方法都是纯函数：给定候选 Agent 的能力/性能声明与需求描述，
返回评分结果，不保留任何调用间状态。

# 核心能力

  - MatchCapabilities：领域交集/差集、语义近似（固定领域关系表）、
    操作复杂度加权匹配、专精特性与最低版本匹配，输出 score 与 confidence
  - MatchPerformance：吞吐、p99 延迟、资源三项独立检查，固定权重平均
  - RankAgents：能力/性能/健康/新鲜度/类型偏好加权排序，
    权重随任务复杂度与 prioritize 标志调整，稳定排序，rank 从 1 开始
  - ComposeEnsemble：覆盖面最广者为 primary，贪心补充 secondary，
    非并行任务追加 validator，长任务追加 monitor，无候选的领域报告为 gap

所有权重集中在 Policy 中，由配置加载，不写死在评分逻辑里。
*/
package capability
