package capability

import (
	"fmt"
	"time"
)

// Policy holds every tunable weight the matcher uses. The zero value is not
// usable; start from DefaultPolicy.
type Policy struct {
	// Capability match composition.
	DomainWeight         float64 `yaml:"domain_weight" json:"domain_weight"`
	OperationWeight      float64 `yaml:"operation_weight" json:"operation_weight"`
	SpecializationWeight float64 `yaml:"specialization_weight" json:"specialization_weight"`

	// MaxSemanticCredit caps the credit a related-but-different domain earns,
	// so a near miss never scores as an exact match.
	MaxSemanticCredit   float64 `yaml:"max_semantic_credit" json:"max_semantic_credit"`
	TaskRelevanceBoost  float64 `yaml:"task_relevance_boost" json:"task_relevance_boost"`
	TaskIrrelevanceDamp float64 `yaml:"task_irrelevance_damp" json:"task_irrelevance_damp"`

	// UrgencySpecializationFactor scales the specialization weight for urgent
	// requests.
	UrgencySpecializationFactor float64 `yaml:"urgency_specialization_factor" json:"urgency_specialization_factor"`

	// Performance match composition.
	ThroughputWeight float64 `yaml:"throughput_weight" json:"throughput_weight"`
	LatencyWeight    float64 `yaml:"latency_weight" json:"latency_weight"`
	ResourceWeight   float64 `yaml:"resource_weight" json:"resource_weight"`

	// Ranking.
	Ranking            map[Complexity]RankWeights `yaml:"ranking" json:"ranking"`
	FreshnessHalfLife  time.Duration              `yaml:"freshness_half_life" json:"freshness_half_life"`
	LatencyCeilingMs   float64                    `yaml:"latency_ceiling_ms" json:"latency_ceiling_ms"`
	UrgencyLatencyCost map[Urgency]float64        `yaml:"urgency_latency_cost" json:"urgency_latency_cost"`
	OverBudgetFactor   float64                    `yaml:"over_budget_factor" json:"over_budget_factor"`

	// Ensemble composition.
	LongTaskThreshold time.Duration `yaml:"long_task_threshold" json:"long_task_threshold"`
	AuxiliaryWeight   float64       `yaml:"auxiliary_weight" json:"auxiliary_weight"`
}

// RankWeights is the weight profile for one task complexity.
type RankWeights struct {
	Capability     float64 `yaml:"capability" json:"capability"`
	Performance    float64 `yaml:"performance" json:"performance"`
	Health         float64 `yaml:"health" json:"health"`
	Freshness      float64 `yaml:"freshness" json:"freshness"`
	TypePreference float64 `yaml:"type_preference" json:"type_preference"`
}

func (w RankWeights) sum() float64 {
	return w.Capability + w.Performance + w.Health + w.Freshness + w.TypePreference
}

func (w RankWeights) normalized() RankWeights {
	total := w.sum()
	if total <= 0 {
		return w
	}
	return RankWeights{
		Capability:     w.Capability / total,
		Performance:    w.Performance / total,
		Health:         w.Health / total,
		Freshness:      w.Freshness / total,
		TypePreference: w.TypePreference / total,
	}
}

// DefaultPolicy returns the stock weights.
func DefaultPolicy() Policy {
	return Policy{
		DomainWeight:                0.5,
		OperationWeight:             0.3,
		SpecializationWeight:        0.2,
		MaxSemanticCredit:           0.8,
		TaskRelevanceBoost:          1.2,
		TaskIrrelevanceDamp:         0.8,
		UrgencySpecializationFactor: 0.5,

		ThroughputWeight: 0.4,
		LatencyWeight:    0.4,
		ResourceWeight:   0.2,

		Ranking: map[Complexity]RankWeights{
			ComplexitySimple:   {Capability: 0.35, Performance: 0.25, Health: 0.2, Freshness: 0.1, TypePreference: 0.1},
			ComplexityModerate: {Capability: 0.4, Performance: 0.2, Health: 0.2, Freshness: 0.1, TypePreference: 0.1},
			ComplexityComplex:  {Capability: 0.5, Performance: 0.15, Health: 0.2, Freshness: 0.05, TypePreference: 0.1},
		},
		FreshnessHalfLife: 5 * time.Minute,
		LatencyCeilingMs:  1000,
		UrgencyLatencyCost: map[Urgency]float64{
			UrgencyHigh:     0.2,
			UrgencyCritical: 0.3,
		},
		OverBudgetFactor: 0.7,

		LongTaskThreshold: 30 * time.Minute,
		AuxiliaryWeight:   0.1,
	}
}

// Validate checks the policy for values that would break scoring.
func (p Policy) Validate() error {
	if p.DomainWeight+p.OperationWeight+p.SpecializationWeight <= 0 {
		return fmt.Errorf("capability weights must sum to a positive value")
	}
	if p.ThroughputWeight+p.LatencyWeight+p.ResourceWeight <= 0 {
		return fmt.Errorf("performance weights must sum to a positive value")
	}
	if p.MaxSemanticCredit < 0 || p.MaxSemanticCredit >= 1 {
		return fmt.Errorf("max_semantic_credit must be in [0, 1)")
	}
	for c, w := range p.Ranking {
		if w.sum() <= 0 {
			return fmt.Errorf("ranking weights for %q must sum to a positive value", c)
		}
	}
	if p.FreshnessHalfLife <= 0 {
		return fmt.Errorf("freshness_half_life must be positive")
	}
	if p.LatencyCeilingMs <= 0 {
		return fmt.Errorf("latency_ceiling_ms must be positive")
	}
	return nil
}

func (p Policy) rankWeights(c Complexity) RankWeights {
	if w, ok := p.Ranking[c]; ok {
		return w
	}
	if w, ok := p.Ranking[ComplexityModerate]; ok {
		return w
	}
	return DefaultPolicy().Ranking[ComplexityModerate]
}
