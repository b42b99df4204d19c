package discovery

import (
	"context"
	"slices"
	"time"

	"github.com/BaSui01/agentregistry/agent/capability"
	"github.com/BaSui01/agentregistry/agent/health"
	"github.com/BaSui01/agentregistry/manifest"
)

// DefaultTenant is the scope used when a caller names no tenant.
const DefaultTenant = "default"

// Status is the serving status of a registration.
type Status string

const (
	// StatusActive agents are discoverable.
	StatusActive Status = "active"
	// StatusInactive agents are temporarily out of rotation.
	StatusInactive Status = "inactive"
	// StatusSuspended agents were pulled by failures or an operator.
	StatusSuspended Status = "suspended"
	// StatusDeprecated agents are winding down.
	StatusDeprecated Status = "deprecated"
)

// statusFor maps a lifecycle state onto a registration status. Registered
// agents serve as active; terminated agents have no registration.
func statusFor(s health.State) (Status, bool) {
	switch s {
	case health.StateRegistered, health.StateActive:
		return StatusActive, true
	case health.StateInactive:
		return StatusInactive, true
	case health.StateSuspended:
		return StatusSuspended, true
	case health.StateDeprecated:
		return StatusDeprecated, true
	default:
		return "", false
	}
}

// HealthSnapshot is the health state kept on a registration.
type HealthSnapshot struct {
	// Score is 0-100.
	Score               float64       `json:"score"`
	Status              health.Status `json:"status"`
	LastCheck           *time.Time    `json:"last_check,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
}

// Endpoint is a reachable address derived from a declared protocol.
type Endpoint struct {
	Protocol string `json:"protocol"`
	Version  string `json:"version,omitempty"`
	URL      string `json:"url"`
}

// UsageMetrics are request counters reported through UpdateAgentHealth.
type UsageMetrics struct {
	TotalRequests       uint64        `json:"total_requests"`
	SuccessfulRequests  uint64        `json:"successful_requests"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	LastRequestAt       *time.Time    `json:"last_request_at,omitempty"`
}

// AgentRegistration is the record the Store owns for one agent.
type AgentRegistration struct {
	RegistrationID string                  `json:"registration_id"`
	AgentID        string                  `json:"agent_id"`
	Tenant         string                  `json:"tenant"`
	Namespace      string                  `json:"namespace,omitempty"`
	Manifest       *manifest.AgentManifest `json:"manifest"`
	Status         Status                  `json:"status"`
	Health         HealthSnapshot          `json:"health"`
	Endpoints      []Endpoint              `json:"endpoints"`
	Usage          UsageMetrics            `json:"usage"`
	RegisteredAt   time.Time               `json:"registered_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
	// Sequence orders registrations; higher is more recent.
	Sequence uint64 `json:"sequence"`
}

// Clone returns a deep copy.
func (r *AgentRegistration) Clone() *AgentRegistration {
	if r == nil {
		return nil
	}
	c := *r
	c.Manifest = r.Manifest.Clone()
	c.Endpoints = slices.Clone(r.Endpoints)
	if r.Health.LastCheck != nil {
		t := *r.Health.LastCheck
		c.Health.LastCheck = &t
	}
	if r.Usage.LastRequestAt != nil {
		t := *r.Usage.LastRequestAt
		c.Usage.LastRequestAt = &t
	}
	return &c
}

func endpointsFor(m *manifest.AgentManifest) []Endpoint {
	out := make([]Endpoint, 0, len(m.Protocols))
	for _, p := range m.Protocols {
		out = append(out, Endpoint{Protocol: p.Name, Version: p.Version, URL: p.Endpoint})
	}
	return out
}

// candidate converts the registration into a ranking candidate.
func (r *AgentRegistration) candidate() capability.Candidate {
	c := capability.Candidate{
		AgentID:      r.AgentID,
		Type:         r.Manifest.Type,
		Capabilities: r.Manifest.Capabilities,
		Performance:  r.Manifest.Performance,
		HealthScore:  r.Health.Score,
		RegisteredAt: r.RegisteredAt,
	}
	if r.Health.LastCheck != nil {
		c.LastCheck = *r.Health.LastCheck
	}
	return c
}

// =============================================================================
// 请求与响应
// =============================================================================

// RegisterOptions scope a registration.
type RegisterOptions struct {
	Tenant    string `json:"tenant,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

// RegistrationResult is returned by Register, including on rejection.
type RegistrationResult struct {
	Success           bool                        `json:"success"`
	AgentID           string                      `json:"agent_id"`
	RegistrationID    string                      `json:"registration_id,omitempty"`
	Registration      *AgentRegistration          `json:"registration,omitempty"`
	ValidationResults []manifest.ValidationResult `json:"validation_results,omitempty"`
}

// PerformanceQuery is the performance predicate of a discovery query. Both
// bounds must hold when set.
type PerformanceQuery struct {
	MinThroughput float64 `json:"min_throughput,omitempty"`
	MaxLatencyP99 float64 `json:"max_latency_p99,omitempty"`
}

// DiscoveryQuery filters registrations. Every predicate is optional.
type DiscoveryQuery struct {
	Domains     []string          `json:"domains,omitempty"`
	Type        string            `json:"type,omitempty"`
	Protocols   []string          `json:"protocols,omitempty"`
	Performance *PerformanceQuery `json:"performance,omitempty"`
	// Statuses restricts the statuses considered; empty means active only.
	Statuses []Status `json:"statuses,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// DiscoveryResult is one discovered agent.
type DiscoveryResult struct {
	AgentID     string                  `json:"agent_id"`
	Score       float64                 `json:"score"`
	Manifest    *manifest.AgentManifest `json:"manifest"`
	Status      Status                  `json:"status"`
	HealthScore float64                 `json:"health_score"`
	// Matched lists the predicates the agent satisfied.
	Matched []string `json:"matched,omitempty"`
}

// Constraints are the optional budget and deadline of a match request.
type Constraints struct {
	// Budget is the total spend allowed for the workload.
	Budget   *float64   `json:"budget,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

// Workload sizes a request for capacity accounting.
type Workload struct {
	EstimatedRequests int `json:"estimated_requests,omitempty"`
}

// MatchRequest asks for compatible agents with partial credit.
type MatchRequest struct {
	Domains     []string                            `json:"domains,omitempty"`
	Operations  []string                            `json:"operations,omitempty"`
	Performance *capability.PerformanceRequirements `json:"performance,omitempty"`
	Protocols   []string                            `json:"protocols,omitempty"`
	Constraints Constraints                         `json:"constraints"`
	Workload    Workload                            `json:"workload"`
	Limit       int                                 `json:"limit,omitempty"`
}

// ScoreBreakdown shows each weighted term of a match score.
type ScoreBreakdown struct {
	Domain      float64 `json:"domain"`
	Performance float64 `json:"performance"`
	Protocol    float64 `json:"protocol"`
	Constraints float64 `json:"constraints"`
	Health      float64 `json:"health"`
}

// MatchResult is one scored candidate.
type MatchResult struct {
	AgentID   string                  `json:"agent_id"`
	Score     float64                 `json:"score"`
	Breakdown ScoreBreakdown          `json:"breakdown"`
	Manifest  *manifest.AgentManifest `json:"manifest"`
	Domains   []string                `json:"matched_domains,omitempty"`
	Reasons   []string                `json:"reasons,omitempty"`
	Warnings  []string                `json:"warnings,omitempty"`
	Capacity  *CapacityAssessment     `json:"capacity,omitempty"`
}

// DomainAssignment pairs a required domain with the agent covering it.
type DomainAssignment struct {
	Domain  string `json:"domain"`
	AgentID string `json:"agent_id"`
}

// EnsembleRecommendation assigns one agent per required domain.
type EnsembleRecommendation struct {
	Assignments []DomainAssignment `json:"assignments"`
	Gaps        []string           `json:"gaps,omitempty"`
}

// Recommendation summarizes a match response.
type Recommendation struct {
	PrimaryAgent      string                  `json:"primary_agent"`
	AlternativeAgents []string                `json:"alternative_agents,omitempty"`
	Ensemble          *EnsembleRecommendation `json:"ensemble,omitempty"`
}

// MatchResponse is returned by Match.
type MatchResponse struct {
	Matches         []MatchResult   `json:"matches"`
	TotalCandidates int             `json:"total_candidates"`
	Recommendation  *Recommendation `json:"recommendation,omitempty"`
}

// RankRequest ranks the tenant's discoverable agents.
type RankRequest struct {
	Requirements capability.RankRequirements `json:"requirements"`
	Context      *capability.RankContext     `json:"context,omitempty"`
	// Statuses restricts the statuses considered; empty means active only.
	Statuses []Status `json:"statuses,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// EnsembleRequest composes a team for a task.
type EnsembleRequest struct {
	Task           capability.TaskRequirements `json:"task"`
	Operations     []string                    `json:"operations,omitempty"`
	PreferredTypes []string                    `json:"preferred_types,omitempty"`
	AvoidedTypes   []string                    `json:"avoided_types,omitempty"`
	TaskComplexity capability.Complexity       `json:"task_complexity,omitempty"`
	Context        *capability.RankContext     `json:"context,omitempty"`
}

// HealthReport is an externally observed request outcome.
type HealthReport struct {
	ResponseTime *time.Duration `json:"response_time,omitempty"`
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
}

// HealthUpdateResult is returned by UpdateAgentHealth.
type HealthUpdateResult struct {
	AgentID        string         `json:"agent_id"`
	Status         Status         `json:"status"`
	PreviousStatus Status         `json:"previous_status"`
	Health         HealthSnapshot `json:"health"`
	Usage          UsageMetrics   `json:"usage"`
	// Suspended is true when this report tripped the failure threshold.
	Suspended bool `json:"suspended"`
}

// ListOptions filter ListAgents. Empty fields match everything.
type ListOptions struct {
	Tenant string `json:"tenant,omitempty"`
	Type   string `json:"type,omitempty"`
	Domain string `json:"domain,omitempty"`
	Status Status `json:"status,omitempty"`
}

// =============================================================================
// 外部依赖接口
// =============================================================================

// PersistedState is everything a Persistence backend holds.
type PersistedState struct {
	Registrations []*AgentRegistration `json:"registrations"`
	Lifecycles    []*health.Lifecycle  `json:"lifecycles"`
}

// Persistence mirrors the in-memory state into durable storage. The Service
// stays authoritative; persistence errors are logged and counted only.
type Persistence interface {
	SaveRegistration(ctx context.Context, reg *AgentRegistration) error
	DeleteRegistration(ctx context.Context, agentID string) error
	SaveLifecycle(ctx context.Context, lc *health.Lifecycle) error
	DeleteLifecycle(ctx context.Context, agentID string) error
	LoadAll(ctx context.Context) (*PersistedState, error)
}

// Recorder receives operational metrics.
type Recorder interface {
	RecordRegistration(tenant string, success bool)
	RecordUnregistration(tenant string)
	RecordRequest(operation string, duration time.Duration, err error)
	RecordHealthCheck(status string)
	RecordStateTransition(from, to string)
	RecordSLAViolation(agentID string)
	RecordAutoSuspension()
	RecordPersistenceError(operation string)
	SetRegisteredAgents(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordRegistration(string, bool) {}
func (nopRecorder) RecordUnregistration(string) {}
func (nopRecorder) RecordRequest(string, time.Duration, error) {}
func (nopRecorder) RecordHealthCheck(string) {}
func (nopRecorder) RecordStateTransition(string, string) {}
func (nopRecorder) RecordSLAViolation(string) {}
func (nopRecorder) RecordAutoSuspension() {}
func (nopRecorder) RecordPersistenceError(string) {}
func (nopRecorder) SetRegisteredAgents(int) {}
