/*
Package testutil 提供 Agent Registry 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供统一的辅助能力，避免重复实现
相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext，自动注册 Cleanup 防止泄漏
  - 断言工具: AssertErrorCode / AssertAnyContains
  - 时间工具: FakeClock，可手动推进，配合 WithClock 选项使用
  - 数据工具: MustJSON / Float / Duration
  - TLS 工具: WriteSelfSignedCert，写入临时自签名证书，重复调用模拟证书轮换

# 子包

  - testutil/mocks: MockProber（健康探测），支持 Builder 模式、
    按端点设定结果与错误注入
  - testutil/fixtures: 预置 Agent Manifest 样例与构造函数

# 使用示例

	prober := mocks.NewMockProber().WithEndpoint("http://a.local:8080", false)
	clock := testutil.NewFakeClock()
	monitor := health.NewMonitor(cfg, prober, nil, health.WithClock(clock.Now))
*/
package testutil
