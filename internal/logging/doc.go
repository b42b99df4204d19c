// Package logging 根据 config.LogConfig 构建 zap logger。
//
// 支持 json 与 console 两种编码、按消息采样，以及可在运行时调整的
// AtomicLevel；运维端点可把它挂载到 /loglevel。
package logging
