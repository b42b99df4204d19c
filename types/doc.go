/*
Package types 提供注册中心共享的结构化错误类型。

# 概述

types 是最底层的公共包，不依赖任何内部包。agent/discovery、agent/health、
agent/persistence 与 cmd 都通过这里的错误码判断失败原因，避免循环依赖。

# 核心类型

  - Error / ErrorCode：错误码、消息、关联智能体 ID、Retryable 标记与底层原因
  - NewAgentNotFoundError / NewDuplicateAgentError：常用构造

# 主要能力

  - 构建器：NewError / Errorf 后接 WithAgent、WithCause、WithRetryable
  - 错误链查询：AsError / GetErrorCode 取最外层的 *Error；IsErrorCode 与
    errors.Is(err, &Error{Code: c}) 在整条链上按错误码匹配
  - ErrorCode.Transient：该类错误默认是否值得重试，持久化层据此设置 Retryable
*/
package types
