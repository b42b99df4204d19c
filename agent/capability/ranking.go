package capability

import (
	"math"
	"slices"
	"sort"
	"time"

	"github.com/BaSui01/agentregistry/manifest"
)

// RankAgents scores every candidate against req and returns them sorted by
// overall score, best first. Equal scores keep input order. Rank is 1-based.
func (m *Matcher) RankAgents(candidates []Candidate, req RankRequirements, rctx *RankContext) []RankedAgent {
	if rctx == nil {
		rctx = &RankContext{}
	}
	now := rctx.Now
	if now.IsZero() {
		now = time.Now()
	}

	weights := m.rankWeights(req, rctx)

	out := make([]RankedAgent, 0, len(candidates))
	for _, c := range candidates {
		capMatch := m.MatchCapabilities(c.Capabilities, req.Capabilities, &rctx.MatchContext)

		r := RankedAgent{
			AgentID:             c.AgentID,
			Type:                c.Type,
			CapabilityScore:     capMatch.Score,
			HealthScore:         clamp01(c.HealthScore / 100),
			FreshnessScore:      m.freshness(c, now),
			TypePreferenceScore: typePreference(c.Type, req.PreferredTypes, req.AvoidedTypes),
			Domains:             slices.Clone(c.Capabilities.Domains),
			Match:               capMatch,
		}

		overall := weights.Capability*r.CapabilityScore +
			weights.Health*r.HealthScore +
			weights.Freshness*r.FreshnessScore +
			weights.TypePreference*r.TypePreferenceScore

		if req.Performance != nil {
			perf := m.MatchPerformance(c.Performance, *req.Performance, nil).Score
			r.PerformanceScore = &perf
			overall += weights.Performance * perf
		}

		overall *= m.urgencyFactor(c.Performance, rctx.Urgency)
		overall *= m.budgetFactor(c.Performance, rctx.Budget)

		r.OverallScore = clamp01(overall)
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OverallScore > out[j].OverallScore
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// rankWeights picks the complexity profile, drops performance when it is not
// required, applies the prioritize flags, and renormalizes.
func (m *Matcher) rankWeights(req RankRequirements, rctx *RankContext) RankWeights {
	complexity := req.TaskComplexity
	if complexity == "" {
		complexity = ComplexityModerate
	}
	w := m.policy.rankWeights(complexity)
	if req.Performance == nil {
		w.Performance = 0
	}
	if rctx.PrioritizeHealth {
		w.Health *= 2
	}
	if rctx.PrioritizeFreshness {
		w.Freshness *= 2
	}
	return w.normalized()
}

// freshness decays by half every FreshnessHalfLife since the agent was last
// checked, or registered if it was never checked.
func (m *Matcher) freshness(c Candidate, now time.Time) float64 {
	ref := c.RegisteredAt
	if c.LastCheck.After(ref) {
		ref = c.LastCheck
	}
	if ref.IsZero() {
		return 0
	}
	age := now.Sub(ref)
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(m.policy.FreshnessHalfLife))
}

// urgencyFactor trades capability score for low latency on urgent requests.
func (m *Matcher) urgencyFactor(perf manifest.Performance, u Urgency) float64 {
	cost, ok := m.policy.UrgencyLatencyCost[u]
	if !ok || cost <= 0 {
		return 1
	}
	slowness := clamp01(perf.LatencyP99 / m.policy.LatencyCeilingMs)
	return 1 - cost*slowness
}

// budgetFactor penalizes agents whose per-request cost exceeds the budget.
func (m *Matcher) budgetFactor(perf manifest.Performance, budget *float64) float64 {
	if budget == nil || perf.CostPerRequest == nil {
		return 1
	}
	if *perf.CostPerRequest > *budget {
		return m.policy.OverBudgetFactor
	}
	return 1
}

func typePreference(agentType string, preferred, avoided []string) float64 {
	switch {
	case slices.Contains(avoided, agentType):
		return 0
	case slices.Contains(preferred, agentType):
		return 1
	default:
		return 0.5
	}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
