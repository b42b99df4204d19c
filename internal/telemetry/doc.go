// Package telemetry 负责注册中心的 OpenTelemetry 接入。
//
// Init 根据 config.TelemetryConfig 创建 OTLP gRPC 的 trace 与 metric 导出，
// 并把 provider 安装为全局默认值；服务版本、实例 ID 等资源属性通过 Option 传入。
// Providers.ObserveAgents 注册按状态统计智能体数量的异步 gauge，
// 由 serve 命令接到注册表快照上。
//
// 遥测禁用时 Init 返回空的 Providers，不建立任何连接，
// TracerProvider 回落到全局 provider，其余方法均为空操作。
package telemetry
