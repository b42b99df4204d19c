package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentregistry/agent/capability"
	"github.com/BaSui01/agentregistry/testutil"
	"github.com/BaSui01/agentregistry/testutil/fixtures"
)

func TestMatch_FullCreditWithoutRequirements(t *testing.T) {
	env := newTestService(t)
	env.register(t, fixtures.WorkerAPIManifest(), "")

	resp, err := env.svc.Match(testutil.TestContext(t), MatchRequest{}, "")
	require.NoError(t, err)
	require.Len(t, resp.Matches, 1)
	m := resp.Matches[0]
	assert.InDelta(t, 1.0, m.Score, 1e-9)
	assert.Equal(t, ScoreBreakdown{Domain: 0.3, Performance: 0.3, Protocol: 0.2, Constraints: 0.1, Health: 0.1}, m.Breakdown)
	assert.Nil(t, m.Capacity)
	require.NotNil(t, resp.Recommendation)
	assert.Equal(t, "worker-api-v1", resp.Recommendation.PrimaryAgent)
	assert.Nil(t, resp.Recommendation.Ensemble)
}

func TestMatch_PartialCredit(t *testing.T) {
	env := newTestService(t)
	ctx := testutil.TestContext(t)
	env.register(t, fixtures.SecurityAuditorManifest(), "")

	resp, err := env.svc.Match(ctx, MatchRequest{
		Domains:     []string{"security", "audit"},
		Performance: &capability.PerformanceRequirements{MinThroughput: 100, MaxLatencyP99: 200},
		Protocols:   []string{"http", "ws"},
		Operations:  []string{"audit", "fix"},
	}, "")
	require.NoError(t, err)
	require.Len(t, resp.Matches, 1)
	m := resp.Matches[0]
	assert.InDelta(t, 0.3, m.Breakdown.Domain, 1e-9)
	// throughput and latency both unmet: 0.3 * 0.25
	assert.InDelta(t, 0.075, m.Breakdown.Performance, 1e-9)
	assert.InDelta(t, 0.1, m.Breakdown.Protocol, 1e-9)
	assert.InDelta(t, 0.1, m.Breakdown.Constraints, 1e-9)
	assert.InDelta(t, 0.1, m.Breakdown.Health, 1e-9)
	assert.InDelta(t, 0.675, m.Score, 1e-9)
	testutil.AssertAnyContains(t, m.Warnings, "supports 1 of 2 protocols")
	testutil.AssertAnyContains(t, m.Warnings, "missing operations [fix]")
}

func TestMatch_ExcludesAgentsWithoutDomainOverlap(t *testing.T) {
	env := newTestService(t)
	env.register(t, fixtures.WorkerAPIManifest(), "")
	env.register(t, fixtures.DocumentationManifest(), "")

	resp, err := env.svc.Match(testutil.TestContext(t), MatchRequest{Domains: []string{"documentation"}}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, resp.TotalCandidates)
	assert.Equal(t, "worker-docs-v1", resp.Matches[0].AgentID)
}

func TestMatch_HealthTermFollowsFailures(t *testing.T) {
	env := newTestService(t)
	ctx := testutil.TestContext(t)
	env.register(t, fixtures.WorkerAPIManifest(), "")
	_, err := env.svc.UpdateAgentHealth(ctx, "worker-api-v1", HealthReport{Error: "boom"})
	require.NoError(t, err)

	resp, err := env.svc.Match(ctx, MatchRequest{}, "")
	require.NoError(t, err)
	testutil.AssertAnyContains(t, resp.Matches[0].Warnings, "1 consecutive failures")
}

func TestMatch_Recommendation(t *testing.T) {
	env := newTestService(t)
	ctx := testutil.TestContext(t)
	env.register(t, fixtures.WorkerAPIManifest(), "")
	env.register(t, fixtures.SecurityAuditorManifest(), "")
	env.register(t, fixtures.DocumentationManifest(), "")

	resp, err := env.svc.Match(ctx, MatchRequest{
		Domains: []string{"api-design", "security", "documentation", "ml"},
	}, "")
	require.NoError(t, err)
	require.Len(t, resp.Matches, 3)
	rec := resp.Recommendation
	require.NotNil(t, rec)
	assert.Equal(t, resp.Matches[0].AgentID, rec.PrimaryAgent)
	assert.Len(t, rec.AlternativeAgents, 2)
	require.NotNil(t, rec.Ensemble)
	assert.Equal(t, []DomainAssignment{
		{Domain: "api-design", AgentID: "worker-api-v1"},
		{Domain: "security", AgentID: "critic-security-v1"},
		{Domain: "documentation", AgentID: "worker-docs-v1"},
	}, rec.Ensemble.Assignments)
	assert.Equal(t, []string{"ml"}, rec.Ensemble.Gaps)

	// Two domains stay below the ensemble threshold.
	resp, err = env.svc.Match(ctx, MatchRequest{Domains: []string{"api-design", "security"}}, "")
	require.NoError(t, err)
	assert.Nil(t, resp.Recommendation.Ensemble)
}

func TestMatch_LimitAndEmpty(t *testing.T) {
	env := newTestService(t)
	ctx := testutil.TestContext(t)

	resp, err := env.svc.Match(ctx, MatchRequest{}, "")
	require.NoError(t, err)
	assert.Empty(t, resp.Matches)
	assert.Nil(t, resp.Recommendation)

	env.register(t, fixtures.WorkerAPIManifest(), "")
	env.register(t, fixtures.DocumentationManifest(), "")
	resp, err = env.svc.Match(ctx, MatchRequest{Limit: 1}, "")
	require.NoError(t, err)
	assert.Len(t, resp.Matches, 1)
	assert.Equal(t, 2, resp.TotalCandidates)
	assert.Equal(t, []string{"worker-api-v1"}, resp.Recommendation.AlternativeAgents)

	_, err = env.svc.Match(ctx, MatchRequest{Limit: -1}, "")
	testutil.AssertErrorCode(t, err, "INVALID_REQUEST")
	_, err = env.svc.Match(ctx, MatchRequest{Workload: Workload{EstimatedRequests: -5}}, "")
	testutil.AssertErrorCode(t, err, "INVALID_REQUEST")
}

// =============================================================================
// 容量评估
// =============================================================================

func TestMatch_BudgetFeasibility(t *testing.T) {
	env := newTestService(t)
	ctx := testutil.TestContext(t)
	env.register(t, fixtures.SecurityAuditorManifest(), "") // 0.02 per request
	env.register(t, fixtures.WorkerAPIManifest(), "")       // no declared cost

	resp, err := env.svc.Match(ctx, MatchRequest{
		Constraints: Constraints{Budget: testutil.Float(1)},
		Workload:    Workload{EstimatedRequests: 100},
	}, "")
	require.NoError(t, err)
	byID := map[string]MatchResult{}
	for _, m := range resp.Matches {
		byID[m.AgentID] = m
	}

	critic := byID["critic-security-v1"]
	require.NotNil(t, critic.Capacity)
	require.NotNil(t, critic.Capacity.EstimatedCost)
	assert.InDelta(t, 2.0, *critic.Capacity.EstimatedCost, 1e-9)
	assert.False(t, *critic.Capacity.BudgetFeasible)
	assert.Zero(t, critic.Breakdown.Constraints)

	worker := byID["worker-api-v1"]
	require.NotNil(t, worker.Capacity)
	assert.True(t, *worker.Capacity.BudgetFeasible)
	assert.InDelta(t, 0.1, worker.Breakdown.Constraints, 1e-9)
	testutil.AssertAnyContains(t, worker.Warnings, "budget assumed feasible")
	assert.Equal(t, "worker-api-v1", resp.Recommendation.PrimaryAgent)
}

func TestMatch_DeadlineFeasibility(t *testing.T) {
	env := newTestService(t)
	ctx := testutil.TestContext(t)
	env.register(t, fixtures.SecurityAuditorManifest(), "") // 50 req/s

	match := func(deadline time.Duration) MatchResult {
		t.Helper()
		d := env.clock.Now().Add(deadline)
		resp, err := env.svc.Match(ctx, MatchRequest{
			Constraints: Constraints{Deadline: &d},
			Workload:    Workload{EstimatedRequests: 100},
		}, "")
		require.NoError(t, err)
		require.Len(t, resp.Matches, 1)
		return resp.Matches[0]
	}

	m := match(10 * time.Second)
	assert.Equal(t, 2*time.Second, m.Capacity.EstimatedDuration)
	assert.True(t, *m.Capacity.DeadlineFeasible)
	assert.InDelta(t, 0.1, m.Breakdown.Constraints, 1e-9)

	m = match(time.Second)
	assert.False(t, *m.Capacity.DeadlineFeasible)
	assert.Zero(t, m.Breakdown.Constraints)

	m = match(-time.Second)
	assert.False(t, *m.Capacity.DeadlineFeasible)
	testutil.AssertAnyContains(t, m.Warnings, "deadline already passed")
}

func TestMatch_ObservedLoadReducesCapacity(t *testing.T) {
	env := newTestService(t)
	ctx := testutil.TestContext(t)
	env.register(t, fixtures.ManifestWith("slow-agent", "worker", []string{"search"}, 1, 100), "")

	// 60 reports in the last minute: 1 req/s observed, no spare capacity.
	for range 60 {
		_, err := env.svc.UpdateAgentHealth(ctx, "slow-agent", HealthReport{Success: true})
		require.NoError(t, err)
	}
	d := env.clock.Now().Add(time.Hour)
	resp, err := env.svc.Match(ctx, MatchRequest{Constraints: Constraints{Deadline: &d}}, "")
	require.NoError(t, err)
	c := resp.Matches[0].Capacity
	assert.InDelta(t, 1.0, c.ObservedRate, 1e-9)
	assert.Zero(t, c.EffectiveThroughput)
	assert.False(t, *c.DeadlineFeasible)

	// The window slides past the reports.
	env.clock.Advance(2 * time.Minute)
	resp, err = env.svc.Match(ctx, MatchRequest{Constraints: Constraints{Deadline: &d}}, "")
	require.NoError(t, err)
	c = resp.Matches[0].Capacity
	assert.Zero(t, c.ObservedRate)
	assert.True(t, *c.DeadlineFeasible)
}

func TestRateTracker(t *testing.T) {
	clock := testutil.NewFakeClock()
	rt := newRateTracker(10 * time.Second)

	for range 5 {
		rt.record("a", clock.Now())
	}
	assert.InDelta(t, 0.5, rt.rate("a", clock.Now()), 1e-9)
	assert.Zero(t, rt.rate("b", clock.Now()))

	clock.Advance(10 * time.Second)
	assert.Zero(t, rt.rate("a", clock.Now()))

	rt.record("a", clock.Now())
	rt.forget("a")
	assert.Zero(t, rt.rate("a", clock.Now()))
}
