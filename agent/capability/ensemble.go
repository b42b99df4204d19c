package capability

import (
	"fmt"
	"slices"
)

// ComposeEnsemble assembles a team from ranked candidates. The candidate
// covering the most required domains leads; complementary agents are added
// greedily until every coverable domain is covered. Required domains no
// candidate declares are reported as gaps. Selection is greedy and makes no
// global-optimality claim.
func (m *Matcher) ComposeEnsemble(ranked []RankedAgent, task TaskRequirements) EnsembleComposition {
	required := dedupe(task.RequiredDomains)
	comp := EnsembleComposition{
		Members:        []EnsembleMember{},
		CoveredDomains: []string{},
		Reasoning:      []string{},
	}

	if len(ranked) == 0 {
		comp.Gaps = slices.Clone(required)
		comp.Reasoning = append(comp.Reasoning, "no candidates available")
		return comp
	}

	chosen := make(map[int]bool)
	uncovered := slices.Clone(required)

	// Primary: broadest coverage, better rank on ties.
	primaryIdx := bestCoverage(ranked, uncovered, chosen)
	if len(required) > 0 && primaryIdx < 0 {
		comp.Gaps = slices.Clone(required)
		comp.Reasoning = append(comp.Reasoning, "no candidate covers any required domain")
		return comp
	}
	if primaryIdx < 0 {
		primaryIdx = 0
	}
	primary := ranked[primaryIdx]
	chosen[primaryIdx] = true
	primaryDomains := intersect(primary.Domains, uncovered)
	uncovered = subtract(uncovered, primaryDomains)
	comp.Members = append(comp.Members, EnsembleMember{
		AgentID:          primary.AgentID,
		Role:             RolePrimary,
		Domains:          primaryDomains,
		Responsibilities: responsibilitiesFor(RolePrimary, primaryDomains),
		OverallScore:     primary.OverallScore,
	})
	comp.Reasoning = append(comp.Reasoning,
		fmt.Sprintf("%s leads: covers %d of %d required domains", primary.AgentID, len(primaryDomains), len(required)))

	// Secondaries: greedy set cover over what is left.
	for len(uncovered) > 0 {
		idx := bestCoverage(ranked, uncovered, chosen)
		if idx < 0 {
			break
		}
		agent := ranked[idx]
		chosen[idx] = true
		domains := intersect(agent.Domains, uncovered)
		uncovered = subtract(uncovered, domains)
		comp.Members = append(comp.Members, EnsembleMember{
			AgentID:          agent.AgentID,
			Role:             RoleSecondary,
			Domains:          domains,
			Responsibilities: responsibilitiesFor(RoleSecondary, domains),
			OverallScore:     agent.OverallScore,
		})
		comp.Reasoning = append(comp.Reasoning, fmt.Sprintf("%s complements with %v", agent.AgentID, domains))
	}

	if !task.Parallelizable {
		if idx := m.pickValidator(ranked, primary, chosen); idx >= 0 {
			chosen[idx] = true
			comp.Members = append(comp.Members, EnsembleMember{
				AgentID:          ranked[idx].AgentID,
				Role:             RoleValidator,
				Responsibilities: responsibilitiesFor(RoleValidator, nil),
				OverallScore:     ranked[idx].OverallScore,
			})
			comp.Reasoning = append(comp.Reasoning, fmt.Sprintf("%s validates: task is sequential", ranked[idx].AgentID))
		}
	}

	if task.EstimatedDuration > m.policy.LongTaskThreshold {
		if idx := pickMonitor(ranked, chosen); idx >= 0 {
			chosen[idx] = true
			comp.Members = append(comp.Members, EnsembleMember{
				AgentID:          ranked[idx].AgentID,
				Role:             RoleMonitor,
				Responsibilities: responsibilitiesFor(RoleMonitor, nil),
				OverallScore:     ranked[idx].OverallScore,
			})
			comp.Reasoning = append(comp.Reasoning,
				fmt.Sprintf("%s monitors: estimated duration %s exceeds %s", ranked[idx].AgentID, task.EstimatedDuration, m.policy.LongTaskThreshold))
		}
	}

	for _, d := range required {
		if !slices.Contains(uncovered, d) {
			comp.CoveredDomains = append(comp.CoveredDomains, d)
		}
	}
	if len(uncovered) > 0 {
		comp.Gaps = uncovered
		comp.Reasoning = append(comp.Reasoning, fmt.Sprintf("no candidate covers %v", uncovered))
	}

	m.assignWeights(comp.Members, len(required))

	coverage := 1.0
	if len(required) > 0 {
		coverage = float64(len(comp.CoveredDomains)) / float64(len(required))
	}
	weighted := 0.0
	for _, mem := range comp.Members {
		weighted += mem.Weight * mem.OverallScore
	}
	comp.Confidence = clamp01(weighted * coverage)
	return comp
}

// assignWeights gives domain owners their coverage share and auxiliary roles
// a fixed weight, then normalizes to 1.
func (m *Matcher) assignWeights(members []EnsembleMember, requiredCount int) {
	total := 0.0
	for i := range members {
		switch members[i].Role {
		case RoleValidator, RoleMonitor:
			members[i].Weight = m.policy.AuxiliaryWeight
		default:
			if requiredCount == 0 {
				members[i].Weight = 1
			} else {
				members[i].Weight = float64(len(members[i].Domains)) / float64(requiredCount)
			}
		}
		total += members[i].Weight
	}
	if total <= 0 {
		return
	}
	for i := range members {
		members[i].Weight /= total
	}
}

// bestCoverage returns the unchosen candidate covering the most of want, or
// -1 if none covers anything.
func bestCoverage(ranked []RankedAgent, want []string, chosen map[int]bool) int {
	best, bestN := -1, 0
	for i, r := range ranked {
		if chosen[i] {
			continue
		}
		if n := len(intersect(r.Domains, want)); n > bestN {
			best, bestN = i, n
		}
	}
	return best
}

// pickValidator prefers the best-ranked unchosen agent sharing a domain with
// the primary, so it can actually judge the primary's output.
func (m *Matcher) pickValidator(ranked []RankedAgent, primary RankedAgent, chosen map[int]bool) int {
	fallback := -1
	for i, r := range ranked {
		if chosen[i] {
			continue
		}
		if len(intersect(r.Domains, primary.Domains)) > 0 {
			return i
		}
		if fallback < 0 {
			fallback = i
		}
	}
	return fallback
}

// pickMonitor prefers the healthiest unchosen agent.
func pickMonitor(ranked []RankedAgent, chosen map[int]bool) int {
	best := -1
	for i, r := range ranked {
		if chosen[i] {
			continue
		}
		if best < 0 || r.HealthScore > ranked[best].HealthScore {
			best = i
		}
	}
	return best
}

func responsibilitiesFor(role Role, domains []string) []string {
	switch role {
	case RoleValidator:
		return []string{"cross-check primary output", "flag inconsistencies before hand-off"}
	case RoleMonitor:
		return []string{"track progress", "escalate stalled or failing members"}
	}
	out := make([]string, 0, len(domains)+1)
	if role == RolePrimary {
		out = append(out, "coordinate ensemble output")
	}
	for _, d := range domains {
		out = append(out, "handle "+d)
	}
	return out
}

func intersect(a, b []string) []string {
	out := []string{}
	for _, x := range b {
		if slices.Contains(a, x) {
			out = append(out, x)
		}
	}
	return out
}

func subtract(a, b []string) []string {
	out := []string{}
	for _, x := range a {
		if !slices.Contains(b, x) {
			out = append(out, x)
		}
	}
	return out
}
