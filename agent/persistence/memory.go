package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/BaSui01/agentregistry/agent/discovery"
	"github.com/BaSui01/agentregistry/agent/health"
)

// MemoryStore keeps deep copies in maps. Suitable for development and
// testing; state is lost on restart.
type MemoryStore struct {
	mu            sync.RWMutex
	registrations map[string]*discovery.AgentRegistration
	lifecycles    map[string]*health.Lifecycle
	closed        bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		registrations: make(map[string]*discovery.AgentRegistration),
		lifecycles:    make(map[string]*health.Lifecycle),
	}
}

// Close closes the store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// SaveRegistration implements discovery.Persistence.
func (s *MemoryStore) SaveRegistration(_ context.Context, reg *discovery.AgentRegistration) error {
	if reg == nil || reg.AgentID == "" {
		return backendError("save_registration", "", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backendError("save_registration", reg.AgentID, ErrStoreClosed)
	}
	s.registrations[reg.AgentID] = reg.Clone()
	return nil
}

// DeleteRegistration implements discovery.Persistence.
func (s *MemoryStore) DeleteRegistration(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backendError("delete_registration", agentID, ErrStoreClosed)
	}
	delete(s.registrations, agentID)
	return nil
}

// SaveLifecycle implements discovery.Persistence.
func (s *MemoryStore) SaveLifecycle(_ context.Context, lc *health.Lifecycle) error {
	if lc == nil || lc.AgentID == "" {
		return backendError("save_lifecycle", "", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backendError("save_lifecycle", lc.AgentID, ErrStoreClosed)
	}
	s.lifecycles[lc.AgentID] = lc.Clone()
	return nil
}

// DeleteLifecycle implements discovery.Persistence.
func (s *MemoryStore) DeleteLifecycle(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backendError("delete_lifecycle", agentID, ErrStoreClosed)
	}
	delete(s.lifecycles, agentID)
	return nil
}

// LoadAll implements discovery.Persistence.
func (s *MemoryStore) LoadAll(context.Context) (*discovery.PersistedState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, backendError("load_all", "", ErrStoreClosed)
	}

	state := &discovery.PersistedState{
		Registrations: make([]*discovery.AgentRegistration, 0, len(s.registrations)),
		Lifecycles:    make([]*health.Lifecycle, 0, len(s.lifecycles)),
	}
	for _, reg := range s.registrations {
		state.Registrations = append(state.Registrations, reg.Clone())
	}
	for _, lc := range s.lifecycles {
		state.Lifecycles = append(state.Lifecycles, lc.Clone())
	}
	sortState(state)
	return state, nil
}

// sortState orders a loaded state by agent id.
func sortState(state *discovery.PersistedState) {
	sort.Slice(state.Registrations, func(i, j int) bool {
		return state.Registrations[i].AgentID < state.Registrations[j].AgentID
	})
	sort.Slice(state.Lifecycles, func(i, j int) bool {
		return state.Lifecycles[i].AgentID < state.Lifecycles[j].AgentID
	})
}

var _ Store = (*MemoryStore)(nil)
