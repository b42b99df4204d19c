/*
包 metrics 提供基于 Prometheus 的注册中心指标采集能力。

# 概述

Collector 使用 promauto 注册所有指标并实现 discovery.Recorder，
注册中心服务通过该接口上报，不直接依赖 Prometheus。所有指标按
namespace 隔离；WithRegistry 可指定独立 registry，测试与多实例
场景下避免重复注册，/metrics 通过 Collector.Gatherer 读取。

# 主要能力

  - 注册中心指标：注册与注销计数（按 tenant）、discover/match/rank
    等操作的计数与耗时、当前注册数量 Gauge。
  - 健康监控指标：按结果分组的健康检查计数、状态转换计数、
    SLA 违规、自动挂起与持久化失败计数。
  - HTTP 指标：运维端点的请求计数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
  - 数据库指标：按 open/in_use/idle 分组的连接数 Gauge。
*/
package metrics
