// Package ctxkeys 集中定义跨包传递的 context 键，避免各包各自声明导致取不到值。
package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	tenantKey    contextKey = "tenant"
)

// WithRequestID 设置请求 ID
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID 获取请求 ID
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithTenant 设置调用方租户
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}

// Tenant 获取调用方租户
func Tenant(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tenantKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
