package capability

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/BaSui01/agentregistry/manifest"
)

// Matcher is the stateless scoring engine. It only holds an immutable policy,
// so one Matcher may be shared by any number of goroutines.
type Matcher struct {
	policy Policy
}

// NewMatcher creates a matcher with policy.
func NewMatcher(policy Policy) *Matcher {
	return &Matcher{policy: policy}
}

// Policy returns a copy of the matcher's policy.
func (m *Matcher) Policy() Policy {
	return m.policy
}

// MatchCapabilities scores agent capabilities against req.
func (m *Matcher) MatchCapabilities(agent manifest.Capabilities, req Requirements, mctx *MatchContext) CapabilityMatch {
	if mctx == nil {
		mctx = &MatchContext{}
	}
	result := CapabilityMatch{
		ExactMatches:        []string{},
		MissingCapabilities: []string{},
		ExcessCapabilities:  []string{},
	}

	required := dedupe(req.Domains)
	provided := dedupe(agent.Domains)

	var signals, items int

	// Domains: exact credit, then semantic credit for the misses.
	domainCredit := 0.0
	for _, d := range required {
		items++
		if slices.Contains(provided, d) {
			result.ExactMatches = append(result.ExactMatches, d)
			domainCredit++
			signals++
			continue
		}
		result.MissingCapabilities = append(result.MissingCapabilities, d)
		if sm, ok := m.bestSemanticMatch(d, provided, mctx.TaskType); ok {
			result.SemanticMatches = append(result.SemanticMatches, sm)
			domainCredit += sm.Similarity
			signals++
		}
	}
	for _, d := range provided {
		if !slices.Contains(required, d) {
			result.ExcessCapabilities = append(result.ExcessCapabilities, d)
		}
	}
	result.DomainScore = 1
	if len(required) > 0 {
		result.DomainScore = domainCredit / float64(len(required))
	}

	// Operations, weighted by how hard each is to substitute.
	ops := dedupe(req.Operations)
	result.OperationScore = 1
	if len(ops) > 0 {
		var have, total float64
		for _, op := range ops {
			items++
			c := OperationComplexity(op)
			total += c
			if slices.Contains(agent.Operations, op) {
				have += c
				signals++
			} else {
				result.MissingOperations = append(result.MissingOperations, op)
			}
		}
		result.OperationScore = have / total
	}

	// Specializations.
	result.SpecializationScore = 1
	if len(req.Specializations) > 0 {
		names := make([]string, 0, len(req.Specializations))
		for name := range req.Specializations {
			names = append(names, name)
		}
		sort.Strings(names)

		sum := 0.0
		for _, name := range names {
			items++
			s := specializationScore(agent.Specializations, name, req.Specializations[name])
			if s > 0 {
				signals++
			}
			sum += s
		}
		result.SpecializationScore = sum / float64(len(names))
	}

	wd, wo, ws := m.policy.DomainWeight, m.policy.OperationWeight, m.policy.SpecializationWeight
	if mctx.Urgency.urgent() {
		ws *= m.policy.UrgencySpecializationFactor
	}
	total := wd + wo + ws
	if total > 0 {
		result.Score = (wd*result.DomainScore + wo*result.OperationScore + ws*result.SpecializationScore) / total
	}

	result.Confidence = 1
	if items > 0 {
		result.Confidence = float64(signals) / float64(items)
	}
	return result
}

// bestSemanticMatch finds the provided domain most related to required,
// scaled by task relevance and capped below exact credit.
func (m *Matcher) bestSemanticMatch(required string, provided []string, taskType string) (SemanticMatch, bool) {
	best := SemanticMatch{Required: required}
	for _, p := range provided {
		if s := Similarity(required, p); s > best.Similarity {
			best.Provided = p
			best.Similarity = s
		}
	}
	if best.Similarity == 0 {
		return best, false
	}

	if known, relevant := relevantToTask(taskType, required); known {
		if relevant {
			best.Similarity *= m.policy.TaskRelevanceBoost
		} else {
			best.Similarity *= m.policy.TaskIrrelevanceDamp
		}
	}
	best.Similarity = math.Min(best.Similarity, m.policy.MaxSemanticCredit)
	return best, best.Similarity > 0
}

func specializationScore(have map[string]manifest.Specialization, name string, want SpecializationRequirement) float64 {
	spec, ok := have[name]
	if !ok {
		return 0
	}

	featureShare := 1.0
	if len(want.Features) > 0 {
		n := 0
		for _, f := range want.Features {
			if slices.Contains(spec.Features, f) {
				n++
			}
		}
		featureShare = float64(n) / float64(len(want.Features))
	}

	if want.MinVersion != "" && manifest.CompareVersions(spec.Version, want.MinVersion) < 0 {
		// An older specialization is still useful, just not fully.
		return featureShare * 0.5
	}
	return featureShare
}

// MatchPerformance checks an agent's declared profile against req, with sla
// tightening whatever it sets.
func (m *Matcher) MatchPerformance(agent manifest.Performance, req PerformanceRequirements, sla *SLARequirements) PerformanceMatch {
	minThroughput, maxP99 := req.MinThroughput, req.MaxLatencyP99
	var maxP95 float64
	if sla != nil {
		minThroughput = math.Max(minThroughput, sla.MinThroughput)
		if sla.MaxLatencyP99 > 0 && (maxP99 == 0 || sla.MaxLatencyP99 < maxP99) {
			maxP99 = sla.MaxLatencyP99
		}
		maxP95 = sla.MaxLatencyP95
	}

	var result PerformanceMatch

	throughputScore := 1.0
	switch {
	case minThroughput <= 0:
		result.ThroughputCompatible = true
	case agent.Throughput >= minThroughput:
		result.ThroughputCompatible = true
		result.Reasons = append(result.Reasons, fmt.Sprintf("throughput %.0f req/s meets %.0f", agent.Throughput, minThroughput))
	default:
		throughputScore = agent.Throughput / minThroughput
		result.Warnings = append(result.Warnings, fmt.Sprintf("throughput %.0f req/s below required %.0f", agent.Throughput, minThroughput))
	}

	latencyScore := 1.0
	switch {
	case maxP99 <= 0 && maxP95 <= 0:
		result.LatencyCompatible = true
	case (maxP99 <= 0 || agent.LatencyP99 <= maxP99) && (maxP95 <= 0 || agent.LatencyP95 <= maxP95):
		result.LatencyCompatible = true
		result.Reasons = append(result.Reasons, fmt.Sprintf("p99 latency %.0fms within limit", agent.LatencyP99))
	default:
		if maxP99 > 0 && agent.LatencyP99 > 0 {
			latencyScore = math.Min(1, maxP99/agent.LatencyP99)
		} else {
			latencyScore = 0.5
		}
		result.Warnings = append(result.Warnings, fmt.Sprintf("p99 latency %.0fms exceeds limit %.0fms", agent.LatencyP99, maxP99))
	}

	resourceScore := 1.0
	switch {
	case req.MinCPUCores <= 0 && req.MinMemoryMB <= 0:
		result.ResourceCompatible = true
	case agent.Resources == nil:
		resourceScore = 0.5
		result.Warnings = append(result.Warnings, "resource requirements set but agent declares no resources")
	case agent.Resources.CPUCores >= req.MinCPUCores && agent.Resources.MemoryMB >= req.MinMemoryMB:
		result.ResourceCompatible = true
		result.Reasons = append(result.Reasons, "declared resources satisfy requirements")
	default:
		resourceScore = 0
		result.Warnings = append(result.Warnings, fmt.Sprintf("declared resources %.1f cores / %.0fMB below %.1f / %.0fMB",
			agent.Resources.CPUCores, agent.Resources.MemoryMB, req.MinCPUCores, req.MinMemoryMB))
	}

	wt, wl, wr := m.policy.ThroughputWeight, m.policy.LatencyWeight, m.policy.ResourceWeight
	if total := wt + wl + wr; total > 0 {
		result.Score = (wt*throughputScore + wl*latencyScore + wr*resourceScore) / total
	}
	return result
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
