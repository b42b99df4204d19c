package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode 标识失败原因，跨包比较时只看错误码
type ErrorCode string

// 注册与生命周期
const (
	ErrDuplicateAgent         ErrorCode = "DUPLICATE_AGENT"
	ErrInvalidManifest        ErrorCode = "INVALID_MANIFEST"
	ErrAgentNotFound          ErrorCode = "AGENT_NOT_FOUND"
	ErrIllegalStateTransition ErrorCode = "ILLEGAL_STATE_TRANSITION"
)

// 健康探测
const (
	ErrProbeTimeout ErrorCode = "PROBE_TIMEOUT"
	ErrProbeFailure ErrorCode = "PROBE_FAILURE"
)

// 通用
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrPersistenceFailure ErrorCode = "PERSISTENCE_FAILURE"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
)

// Transient 报告该类错误是否可能随重试消失。
// 单个错误是否重试仍以 Error.Retryable 为准，这里只给出默认判断。
func (c ErrorCode) Transient() bool {
	switch c {
	case ErrProbeTimeout, ErrPersistenceFailure:
		return true
	default:
		return false
	}
}

// Error 带错误码的结构化错误
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	AgentID   string    `json:"agent_id,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error 格式：[CODE] agent=<id>: message: cause
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Code))
	b.WriteString("]")
	if e.AgentID != "" {
		b.WriteString(" agent=")
		b.WriteString(e.AgentID)
		b.WriteString(":")
	}
	b.WriteString(" ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is 让 errors.Is(err, &Error{Code: c}) 按错误码匹配；目标带 AgentID 时一并比较
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.AgentID == "" || t.AgentID == e.AgentID)
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf 以格式化消息创建错误；%w 不会成为 Cause，需要时用 WithCause
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// 以下构建器修改并返回接收者本身

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func (e *Error) WithAgent(agentID string) *Error {
	e.AgentID = agentID
	return e
}

func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// =============================================================================
// 错误链查询
// =============================================================================

// AsError 取错误链中第一个 *Error
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// GetErrorCode 错误链中没有 *Error 时返回空串
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

func IsErrorCode(err error, code ErrorCode) bool {
	return errors.Is(err, &Error{Code: code})
}

func IsRetryable(err error) bool {
	e, ok := AsError(err)
	return ok && e.Retryable
}

// =============================================================================
// 常用构造
// =============================================================================

func NewAgentNotFoundError(agentID string) *Error {
	return Errorf(ErrAgentNotFound, "agent %q not found", agentID).WithAgent(agentID)
}

func NewDuplicateAgentError(agentID string) *Error {
	return Errorf(ErrDuplicateAgent, "agent %q already registered", agentID).WithAgent(agentID)
}
