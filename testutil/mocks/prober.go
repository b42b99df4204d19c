// MockProber 的健康探测测试模拟实现。
//
// 支持按端点设定结果、固定延迟、错误注入与调用记录。
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/agentregistry/agent/health"
	"github.com/BaSui01/agentregistry/types"
)

// --- MockProber 结构 ---

// MockProber 是 health.Prober 的模拟实现
type MockProber struct {
	mu sync.RWMutex

	// 结果配置
	healthy   bool
	latency   time.Duration
	resources *health.ResourceUsage
	endpoints map[string]bool
	err       error

	// 行为控制
	delay     time.Duration
	failAfter int

	calls []MockProbeCall
}

// MockProbeCall 记录单次探测
type MockProbeCall struct {
	Protocol string
	Endpoint string
	Healthy  bool
}

// --- 构造函数和 Builder 方法 ---

// NewMockProber 创建默认健康的 MockProber
func NewMockProber() *MockProber {
	return &MockProber{
		healthy:   true,
		latency:   10 * time.Millisecond,
		endpoints: make(map[string]bool),
	}
}

// WithHealthy 设置所有端点默认结果
func (m *MockProber) WithHealthy(healthy bool) *MockProber {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
	return m
}

// WithEndpoint 覆盖单个端点的结果
func (m *MockProber) WithEndpoint(endpoint string, healthy bool) *MockProber {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[endpoint] = healthy
	return m
}

// WithLatency 设置上报延迟
func (m *MockProber) WithLatency(d time.Duration) *MockProber {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
	return m
}

// WithResources 设置探测返回的资源占用
func (m *MockProber) WithResources(cpuPercent, memoryMB float64) *MockProber {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = &health.ResourceUsage{CPUPercent: cpuPercent, MemoryMB: memoryMB}
	return m
}

// WithError 注入失败原因
func (m *MockProber) WithError(err error) *MockProber {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithDelay 模拟真实等待，超时由 ctx 决定
func (m *MockProber) WithDelay(d time.Duration) *MockProber {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFailAfter 在前 n 次探测之后全部失败
func (m *MockProber) WithFailAfter(n int) *MockProber {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// --- health.Prober 实现 ---

// Probe 实现 health.Prober
func (m *MockProber) Probe(ctx context.Context, protocol, endpoint string) health.ProbeResult {
	m.mu.Lock()
	healthy := m.healthy
	if v, ok := m.endpoints[endpoint]; ok {
		healthy = v
	}
	if m.failAfter > 0 && len(m.calls) >= m.failAfter {
		healthy = false
	}
	latency, delay, resources, injected := m.latency, m.delay, m.resources, m.err
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			m.record(protocol, endpoint, false)
			return health.ProbeResult{Err: types.NewError(types.ErrProbeTimeout, "probe timed out").WithCause(ctx.Err())}
		}
	}

	m.record(protocol, endpoint, healthy)
	if !healthy {
		err := injected
		if err == nil {
			err = types.NewError(types.ErrProbeFailure, "mock endpoint unhealthy")
		}
		return health.ProbeResult{Latency: latency, Err: err}
	}
	res := health.ProbeResult{Healthy: true, Latency: latency}
	if resources != nil {
		r := *resources
		res.Resources = &r
	}
	return res
}

func (m *MockProber) record(protocol, endpoint string, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockProbeCall{Protocol: protocol, Endpoint: endpoint, Healthy: healthy})
}

// --- 调用记录 ---

// Calls 返回所有探测记录
func (m *MockProber) Calls() []MockProbeCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MockProbeCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount 返回探测次数
func (m *MockProber) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// Reset 清空调用记录
func (m *MockProber) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

var _ health.Prober = (*MockProber)(nil)
