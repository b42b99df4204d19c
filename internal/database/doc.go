// Package database 为 SQL 持久化后端打开并托管共享的 GORM 连接。
//
// Open 按 config.DatabaseConfig 选择 postgres、mysql 或 sqlite（glebarez 纯 Go 驱动）方言，
// 返回的 PoolManager 应用连接池上限，并可按间隔在后台 Ping。
// 探活结果会被记住：Healthy 报告最近一次是否可达，Stats 附带连续失败次数，
// 日志只在可达性翻转时输出 Warn 或 Info。
// WithStatsReporter 在探活成功后回调连接统计，serve 用它更新 Prometheus gauge。
package database
