package discovery

import (
	"context"
	"slices"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/BaSui01/agentregistry/agent/capability"
	"github.com/BaSui01/agentregistry/types"
)

// Discovery predicate names, as reported in DiscoveryResult.Matched.
const (
	PredicateDomains     = "domains"
	PredicateType        = "type"
	PredicateProtocols   = "protocols"
	PredicatePerformance = "performance"
)

type predicate struct {
	name   string
	weight float64
	test   func(*AgentRegistration) bool
}

// predicates builds the predicates q sets, in a fixed order.
func (p DiscoveryPolicy) predicates(q DiscoveryQuery) []predicate {
	var out []predicate
	if len(q.Domains) > 0 {
		out = append(out, predicate{PredicateDomains, p.DomainWeight, func(r *AgentRegistration) bool {
			for _, d := range q.Domains {
				if !r.Manifest.HasDomain(d) {
					return false
				}
			}
			return true
		}})
	}
	if q.Type != "" {
		out = append(out, predicate{PredicateType, p.TypeWeight, func(r *AgentRegistration) bool {
			return r.Manifest.Type == q.Type
		}})
	}
	if len(q.Protocols) > 0 {
		out = append(out, predicate{PredicateProtocols, p.ProtocolWeight, func(r *AgentRegistration) bool {
			for _, name := range q.Protocols {
				if !r.Manifest.HasProtocol(name) {
					return false
				}
			}
			return true
		}})
	}
	if perf := q.Performance; perf != nil && (perf.MinThroughput > 0 || perf.MaxLatencyP99 > 0) {
		out = append(out, predicate{PredicatePerformance, p.PerformanceWeight, func(r *AgentRegistration) bool {
			mp := r.Manifest.Performance
			if perf.MinThroughput > 0 && mp.Throughput < perf.MinThroughput {
				return false
			}
			if perf.MaxLatencyP99 > 0 && mp.LatencyP99 > perf.MaxLatencyP99 {
				return false
			}
			return true
		}})
	}
	return out
}

// Discover returns the tenant's agents satisfying the query, best first.
// Each set predicate is all-or-nothing. The score is the share of set
// predicate weight an agent meets; unless PartialMatches is on, an agent
// failing any predicate is excluded, so every result scores 1.0 and adding
// a predicate can only remove results. Ties go to the most recent
// registration.
func (s *Service) Discover(ctx context.Context, q DiscoveryQuery, tenant string) (results []DiscoveryResult, err error) {
	tenant = tenantFor(ctx, tenant)
	_, end := s.begin(ctx, "discover", attribute.String("tenant", tenant))
	defer end(&err)

	if q.Limit < 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "limit must not be negative")
	}

	preds := s.config.Discovery.predicates(q)
	total := 0.0
	for _, p := range preds {
		total += p.weight
	}
	statuses := statusSet(q.Statuses)

	type scored struct {
		result DiscoveryResult
		seq    uint64
	}
	var hits []scored
	scope := ListOptions{Tenant: tenant}
	if !s.config.Discovery.PartialMatches {
		scope.Type = q.Type
	}
	for _, reg := range s.store.Snapshot(scope) {
		if !statuses[reg.Status] {
			continue
		}
		score := 1.0
		var matched []string
		if len(preds) > 0 {
			got, failed := 0.0, false
			for _, p := range preds {
				if p.test(reg) {
					got += p.weight
					matched = append(matched, p.name)
				} else {
					failed = true
				}
			}
			if failed && !s.config.Discovery.PartialMatches {
				continue
			}
			score = 0
			if total > 0 {
				score = got / total
			} else if !failed {
				score = 1
			}
		}
		if score <= 0 {
			continue
		}
		hits = append(hits, scored{
			result: DiscoveryResult{
				AgentID:     reg.AgentID,
				Score:       score,
				Manifest:    reg.Manifest,
				Status:      reg.Status,
				HealthScore: reg.Health.Score,
				Matched:     matched,
			},
			seq: reg.Sequence,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].result.Score != hits[j].result.Score {
			return hits[i].result.Score > hits[j].result.Score
		}
		return hits[i].seq > hits[j].seq
	})
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}

	results = make([]DiscoveryResult, len(hits))
	for i, h := range hits {
		results[i] = h.result
	}
	return results, nil
}

// Rank scores the tenant's agents with the capability matcher.
func (s *Service) Rank(ctx context.Context, req RankRequest, tenant string) (ranked []capability.RankedAgent, err error) {
	tenant = tenantFor(ctx, tenant)
	_, end := s.begin(ctx, "rank", attribute.String("tenant", tenant))
	defer end(&err)

	ranked = s.matcher.RankAgents(s.candidates(tenant, req.Statuses), req.Requirements, s.rankContext(req.Context))
	if req.Limit > 0 && len(ranked) > req.Limit {
		ranked = ranked[:req.Limit]
	}
	return ranked, nil
}

// ComposeEnsemble ranks the tenant's agents against the task's domains and
// assembles a team covering them, reporting uncovered domains as gaps.
func (s *Service) ComposeEnsemble(ctx context.Context, req EnsembleRequest, tenant string) (comp *capability.EnsembleComposition, err error) {
	tenant = tenantFor(ctx, tenant)
	_, end := s.begin(ctx, "compose_ensemble", attribute.String("tenant", tenant))
	defer end(&err)

	if len(req.Task.RequiredDomains) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "ensemble requires at least one domain")
	}
	rankReq := capability.RankRequirements{
		Capabilities: capability.Requirements{
			Domains:    req.Task.RequiredDomains,
			Operations: req.Operations,
		},
		PreferredTypes: req.PreferredTypes,
		AvoidedTypes:   req.AvoidedTypes,
		TaskComplexity: req.TaskComplexity,
	}
	ranked := s.matcher.RankAgents(s.candidates(tenant, nil), rankReq, s.rankContext(req.Context))
	c := s.matcher.ComposeEnsemble(ranked, req.Task)
	return &c, nil
}

func (s *Service) candidates(tenant string, statuses []Status) []capability.Candidate {
	allowed := statusSet(statuses)
	var out []capability.Candidate
	for _, reg := range s.store.Snapshot(ListOptions{Tenant: tenant}) {
		if allowed[reg.Status] {
			out = append(out, reg.candidate())
		}
	}
	// Snapshot is newest first; rank ties keep registration order.
	slices.Reverse(out)
	return out
}

func (s *Service) rankContext(rctx *capability.RankContext) *capability.RankContext {
	c := capability.RankContext{}
	if rctx != nil {
		c = *rctx
	}
	if c.Now.IsZero() {
		c.Now = s.now()
	}
	return &c
}

func statusSet(statuses []Status) map[Status]bool {
	if len(statuses) == 0 {
		return map[Status]bool{StatusActive: true}
	}
	set := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		set[st] = true
	}
	return set
}
