package discovery

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/BaSui01/agentregistry/types"
)

// Match scores the tenant's active agents with partial credit. Each term is
// weighted by MatchPolicy:
//
//	domain       matched / required
//	performance  0.5 ^ unmet (throughput, latency)
//	protocol     covered / requested
//	constraints  feasible share of budget and deadline
//	health       score / 100
//
// A term with no requirement gets full credit. Agents sharing none of the
// requested domains are left out.
func (s *Service) Match(ctx context.Context, req MatchRequest, tenant string) (resp *MatchResponse, err error) {
	tenant = tenantFor(ctx, tenant)
	ctx, end := s.begin(ctx, "match",
		attribute.String("tenant", tenant),
		attribute.Int("domains", len(req.Domains)))
	defer end(&err)

	if req.Limit < 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "limit must not be negative")
	}
	if req.Workload.EstimatedRequests < 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "estimated requests must not be negative")
	}

	limit := req.Limit
	if limit == 0 {
		limit = s.config.Match.Limit
	}

	type scored struct {
		result MatchResult
		seq    uint64
	}
	now := s.now()
	var all []scored
	for _, reg := range s.store.Snapshot(ListOptions{Tenant: tenant, Status: StatusActive}) {
		r, ok := s.scoreMatch(reg, req, now)
		if !ok {
			continue
		}
		all = append(all, scored{result: r, seq: reg.Sequence})
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].result.Score != all[j].result.Score {
			return all[i].result.Score > all[j].result.Score
		}
		return all[i].seq > all[j].seq
	})

	ranked := make([]MatchResult, len(all))
	for i, sc := range all {
		ranked[i] = sc.result
	}
	resp = &MatchResponse{TotalCandidates: len(ranked)}
	resp.Matches = ranked
	if len(ranked) > limit {
		resp.Matches = ranked[:limit]
	}
	resp.Recommendation = s.recommend(ranked, req.Domains)

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("candidates", resp.TotalCandidates))
	return resp, nil
}

func (s *Service) scoreMatch(reg *AgentRegistration, req MatchRequest, now time.Time) (MatchResult, bool) {
	p := s.config.Match
	m := reg.Manifest
	res := MatchResult{AgentID: reg.AgentID, Manifest: m}

	// 领域
	domainShare := 1.0
	if len(req.Domains) > 0 {
		var missing []string
		for _, d := range req.Domains {
			if m.HasDomain(d) {
				res.Domains = append(res.Domains, d)
			} else {
				missing = append(missing, d)
			}
		}
		if len(res.Domains) == 0 {
			return MatchResult{}, false
		}
		domainShare = float64(len(res.Domains)) / float64(len(req.Domains))
		res.Reasons = append(res.Reasons, fmt.Sprintf("covers %d of %d domains", len(res.Domains), len(req.Domains)))
		if len(missing) > 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("missing domains %v", missing))
		}
	}
	res.Breakdown.Domain = p.DomainWeight * domainShare

	if len(req.Operations) > 0 {
		have := make(map[string]bool, len(m.Capabilities.Operations))
		for _, op := range m.Capabilities.Operations {
			have[op] = true
		}
		var missing []string
		for _, op := range req.Operations {
			if !have[op] {
				missing = append(missing, op)
			}
		}
		if len(missing) > 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("missing operations %v", missing))
		}
	}

	// 性能
	perfShare := 1.0
	if req.Performance != nil && !req.Performance.IsZero() {
		pm := s.matcher.MatchPerformance(m.Performance, *req.Performance, nil)
		perfShare = math.Pow(0.5, float64(pm.Unmet()))
		res.Reasons = append(res.Reasons, pm.Reasons...)
		res.Warnings = append(res.Warnings, pm.Warnings...)
	}
	res.Breakdown.Performance = p.PerformanceWeight * perfShare

	// 协议
	protoShare := 1.0
	if len(req.Protocols) > 0 {
		covered := 0
		for _, name := range req.Protocols {
			if m.HasProtocol(name) {
				covered++
			}
		}
		protoShare = float64(covered) / float64(len(req.Protocols))
		if covered < len(req.Protocols) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("supports %d of %d protocols (declares %s)",
				covered, len(req.Protocols), strings.Join(m.ProtocolNames(), ", ")))
		}
	}
	res.Breakdown.Protocol = p.ProtocolWeight * protoShare

	// 约束
	capacity, feasible, reasons, warnings := s.assessCapacity(reg, req, now)
	res.Capacity = capacity
	res.Reasons = append(res.Reasons, reasons...)
	res.Warnings = append(res.Warnings, warnings...)
	res.Breakdown.Constraints = p.ConstraintWeight * feasible

	// 健康
	res.Breakdown.Health = p.HealthWeight * clampScore(reg.Health.Score) / 100
	if reg.Health.ConsecutiveFailures > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d consecutive failures", reg.Health.ConsecutiveFailures))
	}

	b := res.Breakdown
	res.Score = b.Domain + b.Performance + b.Protocol + b.Constraints + b.Health
	return res, true
}

// recommend picks the primary and alternatives from ranked, and for
// multi-domain requests assigns each domain to the first ranked match
// covering it.
func (s *Service) recommend(ranked []MatchResult, domains []string) *Recommendation {
	if len(ranked) == 0 {
		return nil
	}
	rec := &Recommendation{PrimaryAgent: ranked[0].AgentID}
	for _, r := range ranked[1:] {
		if len(rec.AlternativeAgents) == s.config.Match.MaxAlternatives {
			break
		}
		rec.AlternativeAgents = append(rec.AlternativeAgents, r.AgentID)
	}

	if len(domains) < s.config.Match.EnsembleMinDomains {
		return rec
	}
	ens := &EnsembleRecommendation{}
	for _, d := range domains {
		assigned := false
		for _, r := range ranked {
			if r.Manifest.HasDomain(d) {
				ens.Assignments = append(ens.Assignments, DomainAssignment{Domain: d, AgentID: r.AgentID})
				assigned = true
				break
			}
		}
		if !assigned {
			ens.Gaps = append(ens.Gaps, d)
		}
	}
	rec.Ensemble = ens
	return rec
}

func clampScore(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
