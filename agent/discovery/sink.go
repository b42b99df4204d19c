package discovery

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/agentregistry/agent/health"
)

// HealthChecked implements health.Sink. It writes the check result into the
// registration and runs the same consecutive-failure path as
// UpdateAgentHealth. Results for agents no longer registered are dropped.
func (s *Service) HealthChecked(ctx context.Context, agentID string, m health.HealthMetrics) {
	unlock := s.lockAgent(agentID)
	prev, ok := s.store.Get(agentID)
	if !ok {
		unlock()
		return
	}

	counted := m.Status != health.StatusUnknown
	passed := m.Passed()
	checkedAt := m.CheckedAt
	reg, _ := s.store.Update(agentID, func(r *AgentRegistration) {
		r.Health.Score = m.Score
		r.Health.Status = m.Status
		r.Health.LastCheck = &checkedAt
		r.UpdatedAt = s.now()
		if !counted {
			return
		}
		if passed {
			r.Health.ConsecutiveFailures = 0
			r.Health.LastError = ""
		} else {
			r.Health.ConsecutiveFailures++
			r.Health.LastError = m.FirstError()
		}
	})

	suspended := false
	if counted && !passed {
		suspended = s.enforceFailureThreshold(agentID, reg.Health.ConsecutiveFailures, "health checks")
		if suspended {
			reg, _ = s.store.Get(agentID)
		}
	}
	violated := s.slaViolatedAt(agentID, m)
	s.persistAgent(ctx, agentID)
	unlock()

	s.recorder.RecordHealthCheck(string(m.Status))
	s.emit(ctx, EventHealthUpdated, agentID, reg.Tenant, map[string]any{
		"score":  m.Score,
		"status": string(m.Status),
	})
	switch {
	case counted && !passed:
		s.emit(ctx, EventHealthCheckFailed, agentID, reg.Tenant, map[string]any{
			"consecutive_failures": reg.Health.ConsecutiveFailures,
			"error":                reg.Health.LastError,
		})
	case passed && prev.Health.ConsecutiveFailures > 0:
		s.emit(ctx, EventHealthCheckRecovered, agentID, reg.Tenant, map[string]any{
			"previous_failures": prev.Health.ConsecutiveFailures,
		})
	}
	if violated {
		s.recorder.RecordSLAViolation(agentID)
		s.emit(ctx, EventSLAViolation, agentID, reg.Tenant, map[string]any{
			"availability": m.Availability,
			"error_rate":   m.ErrorRate,
			"latency_p99":  m.LatencyP99,
		})
	}
	if suspended {
		s.emitSuspension(ctx, reg, prev.Status)
	}
}

// slaViolatedAt reports whether the check at m.CheckedAt recorded an SLA
// violation.
func (s *Service) slaViolatedAt(agentID string, m health.HealthMetrics) bool {
	lc, ok := s.monitor.GetLifecycle(agentID)
	if !ok || len(lc.ViolationTimes) == 0 {
		return false
	}
	return lc.ViolationTimes[len(lc.ViolationTimes)-1].Equal(m.CheckedAt)
}

// StateChanged implements health.Sink for transitions the Monitor makes on
// its own: activation on the first healthy check and SLA suspension.
func (s *Service) StateChanged(ctx context.Context, agentID string, from, to health.State, reason string) {
	unlock := s.lockAgent(agentID)
	prev, ok := s.store.Get(agentID)
	if !ok {
		unlock()
		return
	}
	reg := s.syncStatus(agentID, false)
	s.persistAgent(ctx, agentID)
	unlock()
	if reg == nil {
		return
	}

	s.recorder.RecordStateTransition(string(from), string(to))
	s.logger.Info("agent state changed by health monitor",
		zap.String("agent_id", agentID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	s.emit(ctx, EventStateChanged, agentID, reg.Tenant, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
	if to == health.StateSuspended {
		s.recorder.RecordAutoSuspension()
		s.emitSuspension(ctx, reg, prev.Status)
	}
}

// RequestStats implements health.Sink with the counters reported through
// UpdateAgentHealth.
func (s *Service) RequestStats(agentID string) (health.RequestStats, bool) {
	reg, ok := s.store.Get(agentID)
	if !ok {
		return health.RequestStats{}, false
	}
	return health.RequestStats{
		Total:      reg.Usage.TotalRequests,
		Successful: reg.Usage.SuccessfulRequests,
	}, true
}

var _ health.Sink = (*Service)(nil)
