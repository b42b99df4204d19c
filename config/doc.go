// Package config 提供 AgentRegistry 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序加载，环境变量使用
// AGENTREGISTRY_ 前缀，嵌套字段以下划线连接，例如
// AGENTREGISTRY_REGISTRY_HEALTH_CHECK_INTERVAL=10s。
package config
