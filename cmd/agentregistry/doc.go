/*
Package main 提供 AgentRegistry 服务进程入口。

# 概述

cmd/agentregistry 启动注册中心：恢复持久化状态、运行健康监控与清理任务，
并在独立 HTTP 端口暴露 /healthz、/readyz、/version、/metrics。
注册中心本身以库的形式被调用，进程只负责组装与生命周期。

# 子命令

  - serve：加载配置（默认值 → YAML → AGENTREGISTRY_* 环境变量），
    可通过 --manifests 在启动时批量注册清单目录
  - validate：对清单文件执行结构校验与 JSON Schema 校验
  - migrate：SQL 后端的 schema 迁移（up/down/steps/goto/force/status/version）
  - version：打印构建信息（Version、BuildTime、GitCommit 由 ldflags 注入）
  - health：请求运行中实例的 /healthz 或 /readyz

# 关闭顺序

收到 SIGINT/SIGTERM 后依次关闭 HTTP、注册服务（停止监控并落盘）、
持久化后端、数据库连接池与遥测；第二次信号立即退出。
*/
package main
