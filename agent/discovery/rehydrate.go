package discovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentregistry/agent/health"
)

// Rehydrate reloads the persisted state into the store and the monitor and
// returns the number of registrations restored. Health checks resume for
// every restored agent.
//
// Records that disagree are reconciled: a registration whose lifecycle is
// terminated is dropped, a registration with no lifecycle starts a fresh
// one, and a live lifecycle with no registration is deleted. Terminated
// lifecycles without a registration are kept until the janitor purges them.
func (s *Service) Rehydrate(ctx context.Context) (n int, err error) {
	ctx, end := s.begin(ctx, "rehydrate")
	defer end(&err)

	if s.persistence == nil {
		return 0, nil
	}
	state, err := s.persistence.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load persisted state: %w", err)
	}
	if state == nil {
		return 0, nil
	}

	lifecycles := make(map[string]*health.Lifecycle, len(state.Lifecycles))
	for _, lc := range state.Lifecycles {
		if lc != nil && lc.AgentID != "" {
			lifecycles[lc.AgentID] = lc
		}
	}

	regs := make([]*AgentRegistration, 0, len(state.Registrations))
	for _, reg := range state.Registrations {
		if reg != nil && reg.Manifest != nil && reg.AgentID != "" {
			regs = append(regs, reg)
		}
	}
	// Records without a sequence restore last and get fresh ones.
	sort.SliceStable(regs, func(i, j int) bool {
		si, sj := regs[i].Sequence, regs[j].Sequence
		if si == 0 || sj == 0 {
			return sj == 0 && si != 0
		}
		return si < sj
	})

	pctx, cancel := s.persistContext(ctx)
	defer cancel()

	for _, reg := range regs {
		lc, hasLC := lifecycles[reg.AgentID]
		delete(lifecycles, reg.AgentID)

		unlock := s.lockAgent(reg.AgentID)
		switch {
		case hasLC && lc.State == health.StateTerminated:
			s.monitor.Restore(lc, reg.Manifest)
			if err := s.persistence.DeleteRegistration(pctx, reg.AgentID); err != nil {
				s.persistFailed("delete_registration", reg.AgentID, err)
			}
			unlock()
			s.logger.Warn("dropped registration of terminated agent", zap.String("agent_id", reg.AgentID))
			continue

		case hasLC:
			s.store.Restore(reg)
			s.monitor.Restore(lc, reg.Manifest)

		default:
			s.store.Restore(reg)
			if err := s.monitor.InitializeAgent(reg.AgentID, reg.Manifest); err != nil {
				s.store.Remove(reg.AgentID)
				unlock()
				s.logger.Error("failed to restore agent", zap.String("agent_id", reg.AgentID), zap.Error(err))
				continue
			}
			if _, err := s.monitor.UpdateAgentState(reg.AgentID, health.StateActive, "rehydrated"); err != nil {
				s.logger.Warn("failed to activate restored agent", zap.String("agent_id", reg.AgentID), zap.Error(err))
			}
		}
		s.syncStatus(reg.AgentID, false)
		s.persistAgent(pctx, reg.AgentID)
		unlock()
		n++
	}

	for id, lc := range lifecycles {
		if lc.State == health.StateTerminated {
			s.monitor.Restore(lc, nil)
			continue
		}
		if err := s.persistence.DeleteLifecycle(pctx, id); err != nil {
			s.persistFailed("delete_lifecycle", id, err)
		}
		s.logger.Warn("deleted orphan lifecycle", zap.String("agent_id", id), zap.String("state", string(lc.State)))
	}

	s.recorder.SetRegisteredAgents(s.store.Len())
	return n, nil
}

// janitorLoop purges terminated lifecycles past their retention.
func (s *Service) janitorLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.purgeTerminated(context.Background())
		}
	}
}

// purgeTerminated removes lifecycles terminated longer than the retention
// ago, together with their persisted copies.
func (s *Service) purgeTerminated(ctx context.Context) []string {
	purged := s.monitor.CleanupTerminated(s.config.TerminatedRetention)
	if len(purged) == 0 {
		return nil
	}
	if s.persistence != nil {
		pctx, cancel := s.persistContext(ctx)
		defer cancel()
		for _, id := range purged {
			if err := s.persistence.DeleteLifecycle(pctx, id); err != nil {
				s.persistFailed("delete_lifecycle", id, err)
			}
		}
	}
	s.logger.Debug("purged terminated lifecycles", zap.Int("count", len(purged)))
	return purged
}
