// =============================================================================
// 🧪 注册中心测试辅助
// =============================================================================
//
//	ctx := testutil.TestContext(t)
//	_, err := svc.GetAgent(ctx, "missing")
//	testutil.AssertErrorCode(t, err, types.ErrAgentNotFound)
// =============================================================================
package testutil

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/agentregistry/types"
)

// testTimeout 单个用例的上下文上限，远大于任何探活或锁等待
const testTimeout = 30 * time.Second

// TestContext 返回随用例结束而取消的上下文
func TestContext(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// AssertErrorCode 断言错误链中有带 code 的 *types.Error
func AssertErrorCode(t testing.TB, err error, code types.ErrorCode) bool {
	t.Helper()
	if !assert.Error(t, err, "expected %s", code) {
		return false
	}
	return assert.Equal(t, code, types.GetErrorCode(err), "error: %v", err)
}

// AssertAnyContains 断言匹配理由、警告等列表中至少一条包含 substr
func AssertAnyContains(t testing.TB, items []string, substr string) bool {
	t.Helper()
	for _, s := range items {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return assert.Fail(t, "no item contains substring", "%q in %q", substr, items)
}

// FakeClock 手动推进的时钟，c.Now 可直接传给各组件的 WithClock
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock 起点固定为 2026-01-01 UTC，便于断言时间戳
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// MustJSON 序列化失败直接 panic，只用于构造测试输入
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// Float 与 Duration 构造可选字段的指针
func Float(v float64) *float64 { return &v }

func Duration(d time.Duration) *time.Duration { return &d }
