package discovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentregistry/agent/capability"
	"github.com/BaSui01/agentregistry/agent/health"
)

// DiscoveryPolicy weights the discovery predicates.
type DiscoveryPolicy struct {
	DomainWeight      float64 `yaml:"domain_weight" json:"domain_weight"`
	TypeWeight        float64 `yaml:"type_weight" json:"type_weight"`
	ProtocolWeight    float64 `yaml:"protocol_weight" json:"protocol_weight"`
	PerformanceWeight float64 `yaml:"performance_weight" json:"performance_weight"`
	// PartialMatches keeps candidates that fail some predicates, scored by
	// the share of predicate weight they meet. Discovery is only monotone
	// with it off.
	PartialMatches bool `yaml:"partial_matches" json:"partial_matches"`
}

// DefaultDiscoveryPolicy 返回默认发现策略
func DefaultDiscoveryPolicy() DiscoveryPolicy {
	return DiscoveryPolicy{
		DomainWeight:      0.3,
		TypeWeight:        0.2,
		ProtocolWeight:    0.2,
		PerformanceWeight: 0.3,
	}
}

// MatchPolicy weights the match terms and shapes the response.
type MatchPolicy struct {
	DomainWeight      float64 `yaml:"domain_weight" json:"domain_weight"`
	PerformanceWeight float64 `yaml:"performance_weight" json:"performance_weight"`
	ProtocolWeight    float64 `yaml:"protocol_weight" json:"protocol_weight"`
	ConstraintWeight  float64 `yaml:"constraint_weight" json:"constraint_weight"`
	HealthWeight      float64 `yaml:"health_weight" json:"health_weight"`

	Limit           int `yaml:"limit" json:"limit"`
	MaxAlternatives int `yaml:"max_alternatives" json:"max_alternatives"`
	// EnsembleMinDomains is the required-domain count from which a match
	// response recommends an ensemble.
	EnsembleMinDomains int `yaml:"ensemble_min_domains" json:"ensemble_min_domains"`
	// CapacityWindow is how far back reported requests count toward the
	// observed request rate.
	CapacityWindow time.Duration `yaml:"capacity_window" json:"capacity_window"`
}

// DefaultMatchPolicy 返回默认匹配策略
func DefaultMatchPolicy() MatchPolicy {
	return MatchPolicy{
		DomainWeight:       0.3,
		PerformanceWeight:  0.3,
		ProtocolWeight:     0.2,
		ConstraintWeight:   0.1,
		HealthWeight:       0.1,
		Limit:              10,
		MaxAlternatives:    3,
		EnsembleMinDomains: 3,
		CapacityWindow:     time.Minute,
	}
}

// Config is the Registry Service configuration.
type Config struct {
	Health     health.Config     `yaml:"health" json:"health" env:"HEALTH"`
	Capability capability.Policy `yaml:"capability" json:"capability"`
	Discovery  DiscoveryPolicy   `yaml:"discovery" json:"discovery"`
	Match      MatchPolicy       `yaml:"match" json:"match"`
	Events     EventsConfig      `yaml:"events" json:"events" env:"EVENTS"`

	// ResponseTimeAlpha is the smoothing factor of the average response time.
	ResponseTimeAlpha float64 `yaml:"response_time_alpha" json:"response_time_alpha" env:"RESPONSE_TIME_ALPHA"`
	// InitialHealthScore is the health score of a fresh registration.
	InitialHealthScore float64 `yaml:"initial_health_score" json:"initial_health_score" env:"INITIAL_HEALTH_SCORE"`
	// LockStripes is the number of per-agent mutexes.
	LockStripes int `yaml:"lock_stripes" json:"lock_stripes" env:"LOCK_STRIPES"`

	// TerminatedRetention is how long terminated lifecycles are kept.
	TerminatedRetention time.Duration `yaml:"terminated_retention" json:"terminated_retention" env:"TERMINATED_RETENTION"`
	JanitorInterval     time.Duration `yaml:"janitor_interval" json:"janitor_interval" env:"JANITOR_INTERVAL"`
	PersistTimeout      time.Duration `yaml:"persist_timeout" json:"persist_timeout" env:"PERSIST_TIMEOUT"`
}

// DefaultConfig 返回默认服务配置
func DefaultConfig() Config {
	return Config{
		Health:              health.DefaultConfig(),
		Capability:          capability.DefaultPolicy(),
		Discovery:           DefaultDiscoveryPolicy(),
		Match:               DefaultMatchPolicy(),
		Events:              DefaultEventsConfig(),
		ResponseTimeAlpha:   0.2,
		InitialHealthScore:  100,
		LockStripes:         64,
		TerminatedRetention: time.Hour,
		JanitorInterval:     5 * time.Minute,
		PersistTimeout:      5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if err := c.Health.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("health: %w", err))
	}
	if err := c.Capability.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("capability: %w", err))
	}
	d := c.Discovery
	if d.DomainWeight < 0 || d.TypeWeight < 0 || d.ProtocolWeight < 0 || d.PerformanceWeight < 0 {
		errs = append(errs, errors.New("discovery weights must not be negative"))
	}
	m := c.Match
	if m.DomainWeight+m.PerformanceWeight+m.ProtocolWeight+m.ConstraintWeight+m.HealthWeight <= 0 {
		errs = append(errs, errors.New("match weights must sum to a positive value"))
	}
	if m.Limit < 1 {
		errs = append(errs, errors.New("match limit must be at least 1"))
	}
	if m.CapacityWindow <= 0 {
		errs = append(errs, errors.New("capacity_window must be positive"))
	}
	if c.ResponseTimeAlpha <= 0 || c.ResponseTimeAlpha > 1 {
		errs = append(errs, errors.New("response_time_alpha must be in (0, 1]"))
	}
	if c.InitialHealthScore < 0 || c.InitialHealthScore > 100 {
		errs = append(errs, errors.New("initial_health_score must be in [0, 100]"))
	}
	if c.LockStripes < 1 {
		errs = append(errs, errors.New("lock_stripes must be at least 1"))
	}
	if c.Events.QueueSize < 0 {
		errs = append(errs, errors.New("events.queue_size must not be negative"))
	}
	if c.Events.Workers < 0 {
		errs = append(errs, errors.New("events.workers must not be negative"))
	}
	if c.JanitorInterval <= 0 || c.PersistTimeout <= 0 {
		errs = append(errs, errors.New("janitor_interval and persist_timeout must be positive"))
	}
	return errors.Join(errs...)
}
