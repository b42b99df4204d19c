package capability

import (
	"time"

	"github.com/BaSui01/agentregistry/manifest"
)

// Urgency expresses how time-sensitive a request is.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

func (u Urgency) urgent() bool {
	return u == UrgencyHigh || u == UrgencyCritical
}

// Complexity selects the ranking weight profile.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Requirements describes the capabilities a task needs.
type Requirements struct {
	Domains         []string                             `json:"domains,omitempty"`
	Operations      []string                             `json:"operations,omitempty"`
	Specializations map[string]SpecializationRequirement `json:"specializations,omitempty"`
}

// SpecializationRequirement asks for features of a domain at a minimum version.
type SpecializationRequirement struct {
	Features   []string `json:"features,omitempty"`
	MinVersion string   `json:"min_version,omitempty"`
}

// MatchContext carries optional request context that nudges scoring.
type MatchContext struct {
	Urgency  Urgency  `json:"urgency,omitempty"`
	Budget   *float64 `json:"budget,omitempty"`
	TaskType string   `json:"task_type,omitempty"`
}

// SemanticMatch records credit given for a related domain.
type SemanticMatch struct {
	Required   string  `json:"required"`
	Provided   string  `json:"provided"`
	Similarity float64 `json:"similarity"`
}

// CapabilityMatch is the result of MatchCapabilities.
type CapabilityMatch struct {
	Score               float64         `json:"score"`
	Confidence          float64         `json:"confidence"`
	DomainScore         float64         `json:"domain_score"`
	OperationScore      float64         `json:"operation_score"`
	SpecializationScore float64         `json:"specialization_score"`
	ExactMatches        []string        `json:"exact_matches"`
	SemanticMatches     []SemanticMatch `json:"semantic_matches,omitempty"`
	MissingCapabilities []string        `json:"missing_capabilities"`
	ExcessCapabilities  []string        `json:"excess_capabilities"`
	MissingOperations   []string        `json:"missing_operations,omitempty"`
}

// PerformanceRequirements are the hard performance asks of a task.
type PerformanceRequirements struct {
	MinThroughput float64 `json:"min_throughput,omitempty"`
	MaxLatencyP99 float64 `json:"max_latency_p99,omitempty"`
	MinCPUCores   float64 `json:"min_cpu_cores,omitempty"`
	MinMemoryMB   float64 `json:"min_memory_mb,omitempty"`
}

// IsZero reports whether no performance requirement is set.
func (r PerformanceRequirements) IsZero() bool {
	return r == PerformanceRequirements{}
}

// SLARequirements tighten performance requirements for contractual callers.
type SLARequirements struct {
	MinThroughput float64 `json:"min_throughput,omitempty"`
	MaxLatencyP99 float64 `json:"max_latency_p99,omitempty"`
	MaxLatencyP95 float64 `json:"max_latency_p95,omitempty"`
}

// PerformanceMatch is the result of MatchPerformance.
type PerformanceMatch struct {
	Score                float64  `json:"score"`
	ThroughputCompatible bool     `json:"throughput_compatible"`
	LatencyCompatible    bool     `json:"latency_compatible"`
	ResourceCompatible   bool     `json:"resource_compatible"`
	Reasons              []string `json:"reasons,omitempty"`
	Warnings             []string `json:"warnings,omitempty"`
}

// Unmet counts the failed throughput and latency checks.
func (m PerformanceMatch) Unmet() int {
	n := 0
	if !m.ThroughputCompatible {
		n++
	}
	if !m.LatencyCompatible {
		n++
	}
	return n
}

// Candidate is one agent under consideration for ranking.
type Candidate struct {
	AgentID      string                `json:"agent_id"`
	Type         string                `json:"type"`
	Capabilities manifest.Capabilities `json:"capabilities"`
	Performance  manifest.Performance  `json:"performance"`
	// HealthScore is the current 0-100 health score.
	HealthScore  float64   `json:"health_score"`
	LastCheck    time.Time `json:"last_check,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// RankRequirements is what RankAgents ranks against.
type RankRequirements struct {
	Capabilities   Requirements             `json:"capabilities"`
	Performance    *PerformanceRequirements `json:"performance,omitempty"`
	PreferredTypes []string                 `json:"preferred_types,omitempty"`
	AvoidedTypes   []string                 `json:"avoided_types,omitempty"`
	TaskComplexity Complexity               `json:"task_complexity,omitempty"`
}

// RankContext carries optional ranking context.
type RankContext struct {
	MatchContext
	PrioritizeHealth    bool `json:"prioritize_health,omitempty"`
	PrioritizeFreshness bool `json:"prioritize_freshness,omitempty"`
	// Now pins the clock for freshness; zero means time.Now().
	Now time.Time `json:"-"`
}

// RankedAgent is one entry of RankAgents output.
type RankedAgent struct {
	AgentID             string          `json:"agent_id"`
	Type                string          `json:"type"`
	Rank                int             `json:"rank"`
	OverallScore        float64         `json:"overall_score"`
	CapabilityScore     float64         `json:"capability_score"`
	PerformanceScore    *float64        `json:"performance_score,omitempty"`
	HealthScore         float64         `json:"health_score"`
	FreshnessScore      float64         `json:"freshness_score"`
	TypePreferenceScore float64         `json:"type_preference_score"`
	Domains             []string        `json:"domains"`
	Match               CapabilityMatch `json:"match"`
}

// Role is an ensemble member's job.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
	RoleValidator Role = "validator"
	RoleMonitor   Role = "monitor"
)

// TaskRequirements describes a task to compose an ensemble for.
type TaskRequirements struct {
	RequiredDomains   []string      `json:"required_domains"`
	Parallelizable    bool          `json:"parallelizable"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
}

// EnsembleMember is one assigned agent.
type EnsembleMember struct {
	AgentID          string   `json:"agent_id"`
	Role             Role     `json:"role"`
	Weight           float64  `json:"weight"`
	Domains          []string `json:"domains,omitempty"`
	Responsibilities []string `json:"responsibilities"`
	OverallScore     float64  `json:"overall_score"`
}

// EnsembleComposition is the result of ComposeEnsemble.
type EnsembleComposition struct {
	Members        []EnsembleMember `json:"members"`
	CoveredDomains []string         `json:"covered_domains"`
	Gaps           []string         `json:"gaps,omitempty"`
	Confidence     float64          `json:"confidence"`
	Reasoning      []string         `json:"reasoning"`
}

// Member returns the first member with role, if any.
func (c EnsembleComposition) Member(role Role) (EnsembleMember, bool) {
	for _, m := range c.Members {
		if m.Role == role {
			return m, true
		}
	}
	return EnsembleMember{}, false
}
