// Package tlsutil 提供注册中心共用的 TLS 加固配置（TLS 1.2+，仅 AEAD 密码套件），
// 用于健康探测客户端、Redis 连接和运维 HTTP 服务端。
//
// CertReloader 在握手时按间隔检查证书文件的修改时间，证书轮换后无需重启服务。
package tlsutil
