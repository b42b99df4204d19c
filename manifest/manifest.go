// Package manifest defines the declarative agent description accepted at
// registration, its file loaders, and the validation oracle interface.
package manifest

import (
	"maps"
	"slices"
)

// AgentManifest describes an agent's identity, capabilities, performance
// profile, and the protocols it can be reached on. A manifest is treated as
// immutable once accepted by the registry.
type AgentManifest struct {
	ID           string       `json:"id" yaml:"id"`
	Type         string       `json:"type" yaml:"type"`
	Subtype      string       `json:"subtype,omitempty" yaml:"subtype,omitempty"`
	Version      string       `json:"version" yaml:"version"`
	Metadata     Metadata     `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Capabilities Capabilities `json:"capabilities" yaml:"capabilities"`
	Performance  Performance  `json:"performance" yaml:"performance"`
	Protocols    []Protocol   `json:"protocols" yaml:"protocols"`
}

// Metadata is descriptive information that never takes part in matching.
type Metadata struct {
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Capabilities is the functional surface an agent advertises.
type Capabilities struct {
	Domains         []string                  `json:"domains" yaml:"domains"`
	Operations      []string                  `json:"operations,omitempty" yaml:"operations,omitempty"`
	Specializations map[string]Specialization `json:"specializations,omitempty" yaml:"specializations,omitempty"`
}

// Specialization narrows a domain to a feature list at a given version.
type Specialization struct {
	Features []string `json:"features,omitempty" yaml:"features,omitempty"`
	Version  string   `json:"version,omitempty" yaml:"version,omitempty"`
}

// Performance is the self-declared performance profile.
type Performance struct {
	Throughput     float64    `json:"throughput" yaml:"throughput"`   // requests per second
	LatencyP50     float64    `json:"latency_p50" yaml:"latency_p50"` // milliseconds
	LatencyP95     float64    `json:"latency_p95" yaml:"latency_p95"` // milliseconds
	LatencyP99     float64    `json:"latency_p99" yaml:"latency_p99"` // milliseconds
	CostPerRequest *float64   `json:"cost_per_request,omitempty" yaml:"cost_per_request,omitempty"`
	Resources      *Resources `json:"resources,omitempty" yaml:"resources,omitempty"`
}

// Resources describes the capacity an agent has been provisioned with.
type Resources struct {
	CPUCores float64 `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`
	MemoryMB float64 `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
}

// Protocol is one way of reaching the agent.
type Protocol struct {
	Name     string `json:"name" yaml:"name"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// HasDomain reports whether the manifest declares domain.
func (m *AgentManifest) HasDomain(domain string) bool {
	return slices.Contains(m.Capabilities.Domains, domain)
}

// HasProtocol reports whether the manifest declares a protocol with name.
func (m *AgentManifest) HasProtocol(name string) bool {
	for _, p := range m.Protocols {
		if p.Name == name {
			return true
		}
	}
	return false
}

// ProtocolNames returns the declared protocol names in declaration order.
func (m *AgentManifest) ProtocolNames() []string {
	names := make([]string, 0, len(m.Protocols))
	for _, p := range m.Protocols {
		names = append(names, p.Name)
	}
	return names
}

// Clone returns a deep copy.
func (m *AgentManifest) Clone() *AgentManifest {
	if m == nil {
		return nil
	}
	c := *m
	c.Metadata.Labels = maps.Clone(m.Metadata.Labels)
	c.Capabilities.Domains = slices.Clone(m.Capabilities.Domains)
	c.Capabilities.Operations = slices.Clone(m.Capabilities.Operations)
	if m.Capabilities.Specializations != nil {
		c.Capabilities.Specializations = make(map[string]Specialization, len(m.Capabilities.Specializations))
		for k, v := range m.Capabilities.Specializations {
			c.Capabilities.Specializations[k] = Specialization{
				Features: slices.Clone(v.Features),
				Version:  v.Version,
			}
		}
	}
	if m.Performance.CostPerRequest != nil {
		cost := *m.Performance.CostPerRequest
		c.Performance.CostPerRequest = &cost
	}
	if m.Performance.Resources != nil {
		res := *m.Performance.Resources
		c.Performance.Resources = &res
	}
	c.Protocols = slices.Clone(m.Protocols)
	return &c
}
