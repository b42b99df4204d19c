package discovery

import (
	"slices"
	"sort"
	"sync"

	"github.com/BaSui01/agentregistry/types"
)

// Store is the authoritative registration map with secondary indices by
// type, tenant and domain. One RWMutex guards the map and every index so an
// agent is either fully indexed or not indexed at all. Reads return copies.
type Store struct {
	mu sync.RWMutex

	// records stores registrations by agent id.
	records map[string]*AgentRegistration

	// index name -> key -> agent ids
	byType   map[string]map[string]struct{}
	byTenant map[string]map[string]struct{}
	byDomain map[string]map[string]struct{}

	seq uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		records:  make(map[string]*AgentRegistration),
		byType:   make(map[string]map[string]struct{}),
		byTenant: make(map[string]map[string]struct{}),
		byDomain: make(map[string]map[string]struct{}),
	}
}

// Insert adds reg and indexes it, assigning the next sequence number. It
// fails with DUPLICATE_AGENT when the id is taken; the existing record is
// untouched.
func (s *Store) Insert(reg *AgentRegistration) (*AgentRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[reg.AgentID]; exists {
		return nil, types.NewDuplicateAgentError(reg.AgentID)
	}
	rec := reg.Clone()
	s.seq++
	rec.Sequence = s.seq
	s.records[rec.AgentID] = rec
	s.index(rec)
	return rec.Clone(), nil
}

// Restore inserts a persisted registration keeping its sequence number.
// An existing record with the same id is replaced.
func (s *Store) Restore(reg *AgentRegistration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.records[reg.AgentID]; ok {
		s.unindex(old)
	}
	rec := reg.Clone()
	if rec.Sequence == 0 {
		s.seq++
		rec.Sequence = s.seq
	}
	s.seq = max(s.seq, rec.Sequence)
	s.records[rec.AgentID] = rec
	s.index(rec)
}

// Remove deletes the record and every index entry, returning the removed
// record.
func (s *Store) Remove(agentID string) (*AgentRegistration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[agentID]
	if !ok {
		return nil, false
	}
	s.unindex(rec)
	delete(s.records, agentID)
	return rec, true
}

// Get returns a copy of the registration.
func (s *Store) Get(agentID string) (*AgentRegistration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[agentID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Update applies fn to the stored record under the write lock and returns a
// copy of the result. fn must not change the indexed fields.
func (s *Store) Update(agentID string, fn func(*AgentRegistration)) (*AgentRegistration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[agentID]
	if !ok {
		return nil, false
	}
	fn(rec)
	return rec.Clone(), true
}

// Snapshot returns copies of every record matching opts, ordered most recent
// registration first. The narrowest applicable index drives the scan.
func (s *Store) Snapshot(opts ListOptions) []*AgentRegistration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids map[string]struct{}
	narrow := func(set map[string]struct{}) {
		if ids == nil || len(set) < len(ids) {
			ids = set
		}
	}
	scoped := false
	if opts.Tenant != "" {
		narrow(s.byTenant[opts.Tenant])
		scoped = true
	}
	if opts.Type != "" {
		narrow(s.byType[opts.Type])
		scoped = true
	}
	if opts.Domain != "" {
		narrow(s.byDomain[opts.Domain])
		scoped = true
	}

	out := make([]*AgentRegistration, 0)
	visit := func(rec *AgentRegistration) {
		if opts.Tenant != "" && rec.Tenant != opts.Tenant {
			return
		}
		if opts.Type != "" && rec.Manifest.Type != opts.Type {
			return
		}
		if opts.Domain != "" && !rec.Manifest.HasDomain(opts.Domain) {
			return
		}
		if opts.Status != "" && rec.Status != opts.Status {
			return
		}
		out = append(out, rec.Clone())
	}
	if scoped {
		for id := range ids {
			visit(s.records[id])
		}
	} else {
		for _, rec := range s.records {
			visit(rec)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	return out
}

// Len returns the number of registrations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// ByType returns the sorted ids indexed under an agent type.
func (s *Store) ByType(agentType string) []string {
	return s.lookup(func() map[string]struct{} { return s.byType[agentType] })
}

// ByTenant returns the sorted ids indexed under a tenant.
func (s *Store) ByTenant(tenant string) []string {
	return s.lookup(func() map[string]struct{} { return s.byTenant[tenant] })
}

// ByDomain returns the sorted ids indexed under a capability domain.
func (s *Store) ByDomain(domain string) []string {
	return s.lookup(func() map[string]struct{} { return s.byDomain[domain] })
}

func (s *Store) lookup(set func() map[string]struct{}) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for id := range set() {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// index adds a record to every secondary index.
func (s *Store) index(rec *AgentRegistration) {
	addIndex(s.byType, rec.Manifest.Type, rec.AgentID)
	addIndex(s.byTenant, rec.Tenant, rec.AgentID)
	for _, d := range rec.Manifest.Capabilities.Domains {
		addIndex(s.byDomain, d, rec.AgentID)
	}
}

// unindex removes a record from every secondary index.
func (s *Store) unindex(rec *AgentRegistration) {
	removeIndex(s.byType, rec.Manifest.Type, rec.AgentID)
	removeIndex(s.byTenant, rec.Tenant, rec.AgentID)
	for _, d := range rec.Manifest.Capabilities.Domains {
		removeIndex(s.byDomain, d, rec.AgentID)
	}
}

func addIndex(idx map[string]map[string]struct{}, key, id string) {
	if idx[key] == nil {
		idx[key] = make(map[string]struct{})
	}
	idx[key][id] = struct{}{}
}

func removeIndex(idx map[string]map[string]struct{}, key, id string) {
	if ids, exists := idx[key]; exists {
		delete(ids, id)
		if len(ids) == 0 {
			delete(idx, key)
		}
	}
}
