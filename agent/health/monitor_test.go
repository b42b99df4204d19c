package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentregistry/manifest"
	"github.com/BaSui01/agentregistry/testutil"
	"github.com/BaSui01/agentregistry/types"
)

// switchProber returns healthy or failing results on demand.
type switchProber struct {
	mu      sync.Mutex
	healthy bool
	latency time.Duration
	hook    func()
}

func (p *switchProber) set(healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = healthy
}

func (p *switchProber) Probe(ctx context.Context, _, _ string) ProbeResult {
	p.mu.Lock()
	healthy, latency, hook := p.healthy, p.latency, p.hook
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	if healthy {
		return ProbeResult{Healthy: true, Latency: latency}
	}
	return ProbeResult{Err: types.NewError(types.ErrProbeFailure, "connection refused")}
}

type recordingSink struct {
	mu      sync.Mutex
	checks  []HealthMetrics
	changes []string
	stats   RequestStats
}

func (s *recordingSink) HealthChecked(_ context.Context, _ string, m HealthMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, m)
}

func (s *recordingSink) StateChanged(_ context.Context, id string, from, to State, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, fmt.Sprintf("%s:%s->%s", id, from, to))
}

func (s *recordingSink) RequestStats(string) (RequestStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, true
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CheckInterval = time.Hour
	cfg.CheckImmediately = false
	cfg.ProbeTimeout = time.Second
	return cfg
}

func testManifest(id string) *manifest.AgentManifest {
	return &manifest.AgentManifest{
		ID:           id,
		Type:         "worker",
		Version:      "1.0.0",
		Capabilities: manifest.Capabilities{Domains: []string{"api-design"}},
		Protocols: []manifest.Protocol{
			{Name: "http", Endpoint: "http://" + id + ".local:8080"},
		},
	}
}

func newTestMonitor(t *testing.T, cfg Config, prober Prober, opts ...Option) (*Monitor, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	m := NewMonitor(cfg, prober, nil, opts...)
	t.Cleanup(m.Stop)
	return m, clock
}

func TestMonitor_InitializeAndActivate(t *testing.T) {
	prober := &switchProber{healthy: true, latency: 20 * time.Millisecond}
	m, _ := newTestMonitor(t, testConfig(), prober)
	ctx := context.Background()

	require.NoError(t, m.InitializeAgent("a", testManifest("a")))
	assert.True(t, m.Scheduled("a"))

	state, ok := m.State("a")
	require.True(t, ok)
	assert.Equal(t, StateRegistered, state)

	err := m.InitializeAgent("a", testManifest("a"))
	assert.Equal(t, types.ErrDuplicateAgent, types.GetErrorCode(err))

	metrics, err := m.PerformHealthCheck(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, metrics)
	assert.Equal(t, StatusHealthy, metrics.Status)

	state, _ = m.State("a")
	assert.Equal(t, StateActive, state)

	lc, ok := m.GetLifecycle("a")
	require.True(t, ok)
	require.Len(t, lc.History, 2)
	assert.Equal(t, "activated", lc.History[1].Event)
}

func TestMonitor_UnknownAgent(t *testing.T) {
	m, _ := newTestMonitor(t, testConfig(), &switchProber{})

	_, err := m.PerformHealthCheck(context.Background(), "missing")
	assert.Equal(t, types.ErrAgentNotFound, types.GetErrorCode(err))

	_, err = m.UpdateAgentState("missing", StateActive, "")
	assert.Equal(t, types.ErrAgentNotFound, types.GetErrorCode(err))
}

func TestMonitor_StandaloneAutoSuspend(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 3
	cfg.SLA.SuspendOnBreach = false
	prober := &switchProber{healthy: true}
	m, _ := newTestMonitor(t, cfg, prober)
	ctx := context.Background()

	require.NoError(t, m.InitializeAgent("a", testManifest("a")))
	_, err := m.PerformHealthCheck(ctx, "a")
	require.NoError(t, err)

	prober.set(false)
	for i := 0; i < 2; i++ {
		_, err := m.PerformHealthCheck(ctx, "a")
		require.NoError(t, err)
	}
	state, _ := m.State("a")
	assert.Equal(t, StateActive, state)

	// One success resets the counter.
	prober.set(true)
	_, _ = m.PerformHealthCheck(ctx, "a")
	prober.set(false)
	for i := 0; i < 2; i++ {
		_, _ = m.PerformHealthCheck(ctx, "a")
	}
	state, _ = m.State("a")
	assert.Equal(t, StateActive, state)

	_, _ = m.PerformHealthCheck(ctx, "a")
	state, _ = m.State("a")
	assert.Equal(t, StateSuspended, state)

	// Suspended is only left explicitly.
	prober.set(true)
	_, _ = m.PerformHealthCheck(ctx, "a")
	state, _ = m.State("a")
	assert.Equal(t, StateSuspended, state)

	changed, err := m.UpdateAgentState("a", StateActive, "operator")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestMonitor_AutoSuspendToInactive(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 1
	cfg.AutoSuspendState = StateInactive
	cfg.SLA.SuspendOnBreach = false
	m, _ := newTestMonitor(t, cfg, &switchProber{healthy: false})

	require.NoError(t, m.InitializeAgent("a", testManifest("a")))
	_, err := m.PerformHealthCheck(context.Background(), "a")
	require.NoError(t, err)

	state, _ := m.State("a")
	assert.Equal(t, StateInactive, state)
}

func TestMonitor_SinkReceivesResults(t *testing.T) {
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 1
	prober := &switchProber{healthy: true}
	m, clock := newTestMonitor(t, cfg, prober, WithSink(sink))
	ctx := context.Background()

	require.NoError(t, m.InitializeAgent("a", testManifest("a")))
	_, err := m.PerformHealthCheck(ctx, "a")
	require.NoError(t, err)

	sink.mu.Lock()
	sink.stats = RequestStats{Total: 100, Successful: 90}
	sink.mu.Unlock()
	clock.Advance(10 * time.Second)
	metrics, err := m.PerformHealthCheck(ctx, "a")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, metrics.Throughput, 1e-9)
	assert.InDelta(t, 0.1, metrics.ErrorRate, 1e-9)

	// With a sink, failures are the sink's to count.
	prober.set(false)
	_, err = m.PerformHealthCheck(ctx, "a")
	require.NoError(t, err)
	state, _ := m.State("a")
	assert.Equal(t, StateActive, state)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.checks, 3)
	assert.Equal(t, []string{"a:registered->active"}, sink.changes)
}

func TestMonitor_SLASuspension(t *testing.T) {
	cfg := testConfig()
	cfg.SLA = SLAPolicy{MaxLatencyP99: 100, ViolationCap: 2, Window: time.Hour, SuspendOnBreach: true}
	prober := &switchProber{healthy: true, latency: 500 * time.Millisecond}
	m, clock := newTestMonitor(t, cfg, prober)
	ctx := context.Background()

	require.NoError(t, m.InitializeAgent("a", testManifest("a")))
	for i := 0; i < 2; i++ {
		_, err := m.PerformHealthCheck(ctx, "a")
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	state, _ := m.State("a")
	assert.Equal(t, StateActive, state)

	_, err := m.PerformHealthCheck(ctx, "a")
	require.NoError(t, err)
	state, _ = m.State("a")
	assert.Equal(t, StateSuspended, state)

	lc, _ := m.GetLifecycle("a")
	assert.Equal(t, 3, lc.SLAViolations)
	assert.Equal(t, "sla_suspended", lc.History[len(lc.History)-1].Event)
}

func TestMonitor_SLAWindowForgetsOldViolations(t *testing.T) {
	cfg := testConfig()
	cfg.SLA = SLAPolicy{MaxLatencyP99: 100, ViolationCap: 1, Window: 10 * time.Minute, SuspendOnBreach: true}
	m, clock := newTestMonitor(t, cfg, &switchProber{healthy: true, latency: 500 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, m.InitializeAgent("a", testManifest("a")))
	for i := 0; i < 5; i++ {
		_, err := m.PerformHealthCheck(ctx, "a")
		require.NoError(t, err)
		clock.Advance(time.Hour)
	}
	state, _ := m.State("a")
	assert.Equal(t, StateActive, state)

	lc, _ := m.GetLifecycle("a")
	assert.Equal(t, 5, lc.SLAViolations)
	assert.Len(t, lc.ViolationTimes, 1)
}

func TestMonitor_UpdateAgentState(t *testing.T) {
	m, _ := newTestMonitor(t, testConfig(), &switchProber{healthy: true})
	require.NoError(t, m.InitializeAgent("a", testManifest("a")))

	changed, err := m.UpdateAgentState("a", StateActive, "")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = m.UpdateAgentState("a", StateActive, "")
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = m.UpdateAgentState("a", StateDeprecated, "sunset")
	require.NoError(t, err)

	_, err = m.UpdateAgentState("a", StateActive, "")
	assert.Equal(t, types.ErrIllegalStateTransition, types.GetErrorCode(err))
	var te ErrInvalidTransition
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StateDeprecated, te.From)

	_, err = m.UpdateAgentState("a", StateTerminated, "")
	require.NoError(t, err)
	assert.False(t, m.Scheduled("a"))

	_, err = m.UpdateAgentState("a", StateActive, "")
	assert.Equal(t, types.ErrIllegalStateTransition, types.GetErrorCode(err))
}

func TestMonitor_Cleanup(t *testing.T) {
	m, clock := newTestMonitor(t, testConfig(), &switchProber{healthy: true})
	require.NoError(t, m.InitializeAgent("a", testManifest("a")))
	require.NoError(t, m.InitializeAgent("b", testManifest("b")))

	assert.False(t, m.CleanupAgent("a"), "non-terminated agents are never purged")
	assert.False(t, m.CleanupAgent("missing"))

	_, err := m.UpdateAgentState("a", StateTerminated, "")
	require.NoError(t, err)
	assert.True(t, m.CleanupAgent("a"))
	_, ok := m.GetLifecycle("a")
	assert.False(t, ok)

	_, err = m.UpdateAgentState("b", StateTerminated, "")
	require.NoError(t, err)
	assert.Empty(t, m.CleanupTerminated(time.Hour))
	clock.Advance(2 * time.Hour)
	assert.Equal(t, []string{"b"}, m.CleanupTerminated(time.Hour))
	assert.Empty(t, m.Agents())
}

func TestMonitor_TerminatedIsNotProbed(t *testing.T) {
	probes := 0
	prober := ProberFunc(func(context.Context, string, string) ProbeResult {
		probes++
		return ProbeResult{Healthy: true}
	})
	m, _ := newTestMonitor(t, testConfig(), prober)
	require.NoError(t, m.InitializeAgent("a", testManifest("a")))
	_, err := m.UpdateAgentState("a", StateTerminated, "")
	require.NoError(t, err)

	metrics, err := m.PerformHealthCheck(context.Background(), "a")
	require.NoError(t, err)
	assert.Nil(t, metrics)
	assert.Zero(t, probes)
}

func TestMonitor_RemovalDuringProbeDoesNotResurrect(t *testing.T) {
	prober := &switchProber{healthy: true}
	sink := &recordingSink{}
	m, _ := newTestMonitor(t, testConfig(), prober, WithSink(sink))
	require.NoError(t, m.InitializeAgent("a", testManifest("a")))

	prober.mu.Lock()
	prober.hook = func() {
		_, _ = m.UpdateAgentState("a", StateTerminated, "unregistered")
		m.CleanupAgent("a")
	}
	prober.mu.Unlock()

	metrics, err := m.PerformHealthCheck(context.Background(), "a")
	require.NoError(t, err)
	assert.Nil(t, metrics)

	_, ok := m.GetLifecycle("a")
	assert.False(t, ok)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.checks)
}

func TestMonitor_ProbeTimeoutIsFailedSample(t *testing.T) {
	cfg := testConfig()
	cfg.ProbeTimeout = 20 * time.Millisecond
	prober := ProberFunc(func(ctx context.Context, _, _ string) ProbeResult {
		<-ctx.Done()
		return ProbeResult{Err: types.NewError(types.ErrProbeTimeout, "probe timed out")}
	})
	m, _ := newTestMonitor(t, cfg, prober)
	require.NoError(t, m.InitializeAgent("a", testManifest("a")))

	metrics, err := m.PerformHealthCheck(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, metrics.Endpoints, 1)
	assert.False(t, metrics.Endpoints[0].Healthy)
	assert.Contains(t, metrics.Endpoints[0].LastError, string(types.ErrProbeTimeout))
	assert.Equal(t, StatusUnhealthy, metrics.Status)
}

func TestMonitor_RestoreReschedules(t *testing.T) {
	m, _ := newTestMonitor(t, testConfig(), &switchProber{healthy: true})
	now := time.Now()
	m.Restore(&Lifecycle{AgentID: "a", State: StateSuspended, RegisteredAt: now}, testManifest("a"))
	m.Restore(&Lifecycle{AgentID: "b", State: StateTerminated, RegisteredAt: now, TerminatedAt: &now}, testManifest("b"))

	assert.True(t, m.Scheduled("a"))
	assert.False(t, m.Scheduled("b"))
	state, _ := m.State("a")
	assert.Equal(t, StateSuspended, state)
	lc, _ := m.GetLifecycle("a")
	assert.Equal(t, TrendUnknown, lc.Trend)
}

// History never exceeds its bound and evicts oldest first.
func TestProperty_HealthHistoryBoundedFIFO(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limit := rapid.IntRange(1, 8).Draw(rt, "limit")
		checks := rapid.IntRange(0, 30).Draw(rt, "checks")

		cfg := testConfig()
		cfg.MaxHistoryEntries = limit
		cfg.SLA.SuspendOnBreach = false
		clock := testutil.NewFakeClock()
		m := NewMonitor(cfg, &switchProber{healthy: true}, nil, WithClock(clock.Now))
		defer m.Stop()

		if err := m.InitializeAgent("a", testManifest("a")); err != nil {
			rt.Fatalf("initialize: %v", err)
		}
		var stamps []time.Time
		for i := 0; i < checks; i++ {
			clock.Advance(time.Second)
			stamps = append(stamps, clock.Now())
			if _, err := m.PerformHealthCheck(context.Background(), "a"); err != nil {
				rt.Fatalf("check: %v", err)
			}
		}

		history := m.GetHealthHistory("a", 0)
		if len(history) > limit {
			rt.Fatalf("history %d exceeds limit %d", len(history), limit)
		}
		want := stamps[max(0, len(stamps)-limit):]
		if len(history) != len(want) {
			rt.Fatalf("history %d, want %d", len(history), len(want))
		}
		for i := range want {
			if !history[i].CheckedAt.Equal(want[i]) {
				rt.Fatalf("entry %d at %v, want %v", i, history[i].CheckedAt, want[i])
			}
		}
	})
}
