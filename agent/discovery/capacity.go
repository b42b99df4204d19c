package discovery

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// maxRateSamples bounds the per-agent request timestamps kept.
const maxRateSamples = 4096

// rateTracker counts reported requests per agent over a sliding window.
type rateTracker struct {
	window time.Duration

	mu      sync.Mutex
	samples map[string][]time.Time
}

func newRateTracker(window time.Duration) *rateTracker {
	return &rateTracker{window: window, samples: make(map[string][]time.Time)}
}

func (t *rateTracker) record(agentID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := append(t.prune(t.samples[agentID], at), at)
	if len(s) > maxRateSamples {
		s = s[len(s)-maxRateSamples:]
	}
	t.samples[agentID] = s
}

// rate returns requests per second over the window ending at now.
func (t *rateTracker) rate(agentID string, now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.prune(t.samples[agentID], now)
	t.samples[agentID] = s
	if len(s) == 0 {
		delete(t.samples, agentID)
		return 0
	}
	return float64(len(s)) / t.window.Seconds()
}

func (t *rateTracker) forget(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.samples, agentID)
}

func (t *rateTracker) prune(s []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(s) && !s[i].After(cutoff) {
		i++
	}
	return s[i:]
}

// CapacityAssessment is the budget and deadline feasibility of a workload on
// one agent.
type CapacityAssessment struct {
	EstimatedRequests int `json:"estimated_requests"`
	// EffectiveThroughput is declared throughput scaled by health, less the
	// request rate already observed.
	EffectiveThroughput float64       `json:"effective_throughput"`
	ObservedRate        float64       `json:"observed_rate"`
	EstimatedCost       *float64      `json:"estimated_cost,omitempty"`
	EstimatedDuration   time.Duration `json:"estimated_duration,omitempty"`
	BudgetFeasible      *bool         `json:"budget_feasible,omitempty"`
	DeadlineFeasible    *bool         `json:"deadline_feasible,omitempty"`
}

// assessCapacity checks the request's budget and deadline against reg. It
// returns the share of present constraints that are feasible, 1 when none
// are present.
func (s *Service) assessCapacity(reg *AgentRegistration, req MatchRequest, now time.Time) (*CapacityAssessment, float64, []string, []string) {
	c := req.Constraints
	if c.Budget == nil && c.Deadline == nil {
		return nil, 1, nil, nil
	}

	var reasons, warnings []string
	requests := max(req.Workload.EstimatedRequests, 1)
	perf := reg.Manifest.Performance
	observed := s.capacity.rate(reg.AgentID, now)
	effective := math.Max(0, perf.Throughput*reg.Health.Score/100-observed)

	a := &CapacityAssessment{
		EstimatedRequests:   requests,
		EffectiveThroughput: effective,
		ObservedRate:        observed,
	}
	present, feasible := 0, 0

	if c.Budget != nil {
		present++
		ok := true
		if perf.CostPerRequest == nil {
			warnings = append(warnings, "cost per request not declared; budget assumed feasible")
		} else {
			cost := float64(requests) * *perf.CostPerRequest
			a.EstimatedCost = &cost
			ok = cost <= *c.Budget
			if ok {
				reasons = append(reasons, fmt.Sprintf("estimated cost %.4f within budget %.4f", cost, *c.Budget))
			} else {
				warnings = append(warnings, fmt.Sprintf("estimated cost %.4f exceeds budget %.4f", cost, *c.Budget))
			}
		}
		a.BudgetFeasible = &ok
		if ok {
			feasible++
		}
	}

	if c.Deadline != nil {
		present++
		ok := false
		remaining := c.Deadline.Sub(now)
		switch {
		case remaining <= 0:
			warnings = append(warnings, "deadline already passed")
		case effective <= 0:
			warnings = append(warnings, "no spare capacity to meet deadline")
		default:
			a.EstimatedDuration = time.Duration(float64(requests) / effective * float64(time.Second))
			ok = a.EstimatedDuration <= remaining
			if ok {
				reasons = append(reasons, fmt.Sprintf("workload completes in %s before deadline", a.EstimatedDuration.Round(time.Millisecond)))
			} else {
				warnings = append(warnings, fmt.Sprintf("workload needs %s, deadline in %s", a.EstimatedDuration.Round(time.Millisecond), remaining.Round(time.Millisecond)))
			}
		}
		a.DeadlineFeasible = &ok
		if ok {
			feasible++
		}
	}

	return a, float64(feasible) / float64(present), reasons, warnings
}
