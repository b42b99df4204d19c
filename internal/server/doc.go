/*
包 server 提供注册中心运维 HTTP 端点与服务器生命周期管理。

# 概述

注册中心本身不提供 REST 接口，只暴露运维端点：

  - /healthz：存活检查，进程在即返回 200
  - /readyz：并发执行 ReadinessCheck（持久化 Ping、数据库连接池、服务是否启动），
    任一失败返回 503 与逐项结果
  - /version：构建信息
  - /metrics：Prometheus 指标
  - /events（可选）：WebSocket 事件流，按租户过滤，可用 JWT 保护

# 核心类型

  - Manager：封装 net/http.Server，非阻塞启动、优雅关闭、异步错误通道。
    配置了证书与私钥时以 HTTPS 启动，TLS 参数来自 tlsutil.ServerTLSConfig；
    MaxConnections 通过 netutil.LimitListener 限制并发连接。
  - NewOpsHandler / OpsConfig：运维路由。
  - EventStream：订阅 discovery 事件总线，每个连接一个有界缓冲，慢客户端丢事件。
  - JWTAuth：HS256 令牌校验，tenant_id 声明写入 ctxkeys。
  - Middleware / Chain：Recovery、RequestID、SecurityHeaders、RequestLogger、Metrics、Tracing。
*/
package server
