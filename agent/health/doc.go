/*
Package health 实现 Agent 生命周期状态机与周期性健康探测。

# 概述

Monitor 为每个 Agent 维护一条生命周期记录：当前状态、追加式状态历史、
有界健康快照历史（FIFO 淘汰）、累计在线时长、SLA 违规计数与健康趋势。
每个 Agent 拥有独立的检查调度（Scheduler），重新调度会使旧任务失效，
保证任意时刻只有一个活动调度。

# 状态机

	registered → active | inactive | suspended | terminated
	active     → inactive | suspended | deprecated | terminated
	inactive   → active | suspended | deprecated | terminated
	suspended  → active | inactive | deprecated | terminated
	deprecated → terminated
	terminated 为吸收态

# 健康评分

单次检查并发探测所有端点（每个探测独立超时，超时视为失败样本），
按可配置权重合成 0–100 分：可用率、错误率、p95 延迟。分数映射为
healthy / degraded / unhealthy；无端点时为 unknown。

# 与 Registry Service 的协作

Registry Service 通过 Sink 接收检查结果并持有连续失败计数；
未配置 Sink 时 Monitor 自行计数并在达到阈值后自动挂起。
Sink 回调总是在释放 Monitor 内部锁之后进行。
*/
package health
