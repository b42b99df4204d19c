package health

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"time"
)

// Status 健康状态分级
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// ResourceUsage is what an agent reports about itself in a probe response.
type ResourceUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
}

// EndpointHealth is the per-endpoint detail of one check.
type EndpointHealth struct {
	Endpoint   string        `json:"endpoint"`
	Protocol   string        `json:"protocol"`
	Healthy    bool          `json:"healthy"`
	Latency    time.Duration `json:"latency"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
}

// HealthMetrics is an immutable point-in-time snapshot produced by one check.
type HealthMetrics struct {
	Status         Status           `json:"status"`
	Score          float64          `json:"score"`
	Availability   float64          `json:"availability"` // percent
	LatencyP50     float64          `json:"latency_p50"`  // ms
	LatencyP95     float64          `json:"latency_p95"`  // ms
	LatencyP99     float64          `json:"latency_p99"`  // ms
	LatencyCurrent float64          `json:"latency_current"`
	ErrorRate      float64          `json:"error_rate"` // 0..1
	Throughput     float64          `json:"throughput"` // req/s
	Resources      *ResourceUsage   `json:"resources,omitempty"`
	Endpoints      []EndpointHealth `json:"endpoints"`
	CheckedAt      time.Time        `json:"checked_at"`
}

// Clone returns a deep copy.
func (h HealthMetrics) Clone() HealthMetrics {
	h.Endpoints = slices.Clone(h.Endpoints)
	if h.Resources != nil {
		r := *h.Resources
		h.Resources = &r
	}
	return h
}

// Passed reports whether the agent was reachable on at least one endpoint.
func (h HealthMetrics) Passed() bool {
	for _, e := range h.Endpoints {
		if e.Healthy {
			return true
		}
	}
	return false
}

// FirstError returns the first endpoint error of the check.
func (h HealthMetrics) FirstError() string {
	for _, e := range h.Endpoints {
		if e.LastError != "" {
			return e.LastError
		}
	}
	return ""
}

// ScoringPolicy 健康评分策略，所有权重与阈值均可配置
type ScoringPolicy struct {
	AvailabilityWeight float64 `yaml:"availability_weight" json:"availability_weight"`
	ErrorRateWeight    float64 `yaml:"error_rate_weight" json:"error_rate_weight"`
	LatencyWeight      float64 `yaml:"latency_weight" json:"latency_weight"`
	// LatencyCeilingMs is the p95 at which the latency component reaches zero.
	LatencyCeilingMs float64 `yaml:"latency_ceiling_ms" json:"latency_ceiling_ms"`

	HealthyThreshold  float64 `yaml:"healthy_threshold" json:"healthy_threshold"`
	DegradedThreshold float64 `yaml:"degraded_threshold" json:"degraded_threshold"`

	// AvailabilityWindow is the number of checks availability and latency
	// percentiles are computed over, the current one included.
	AvailabilityWindow int `yaml:"availability_window" json:"availability_window"`
	// TrendWindow is the size of each of the two windows the trend compares.
	TrendWindow int     `yaml:"trend_window" json:"trend_window"`
	TrendDelta  float64 `yaml:"trend_delta" json:"trend_delta"`
}

// DefaultScoringPolicy 返回默认评分策略
func DefaultScoringPolicy() ScoringPolicy {
	return ScoringPolicy{
		AvailabilityWeight: 0.5,
		ErrorRateWeight:    0.3,
		LatencyWeight:      0.2,
		LatencyCeilingMs:   1000,
		HealthyThreshold:   80,
		DegradedThreshold:  50,
		AvailabilityWindow: 10,
		TrendWindow:        5,
		TrendDelta:         5,
	}
}

// Validate checks the policy.
func (p ScoringPolicy) Validate() error {
	if p.AvailabilityWeight+p.ErrorRateWeight+p.LatencyWeight <= 0 {
		return fmt.Errorf("health scoring weights must sum to a positive value")
	}
	if p.LatencyCeilingMs <= 0 {
		return fmt.Errorf("latency_ceiling_ms must be positive")
	}
	if p.DegradedThreshold > p.HealthyThreshold {
		return fmt.Errorf("degraded_threshold must not exceed healthy_threshold")
	}
	if p.AvailabilityWindow < 1 || p.TrendWindow < 1 {
		return fmt.Errorf("availability_window and trend_window must be at least 1")
	}
	return nil
}

// Classify maps a score onto a status.
func (p ScoringPolicy) Classify(score float64) Status {
	switch {
	case score >= p.HealthyThreshold:
		return StatusHealthy
	case score >= p.DegradedThreshold:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// SLAPolicy SLA 阈值
type SLAPolicy struct {
	MinAvailability float64       `yaml:"min_availability" json:"min_availability"` // percent
	MaxErrorRate    float64       `yaml:"max_error_rate" json:"max_error_rate"`
	MaxLatencyP99   float64       `yaml:"max_latency_p99" json:"max_latency_p99"` // ms
	ViolationCap    int           `yaml:"violation_cap" json:"violation_cap"`
	Window          time.Duration `yaml:"window" json:"window"`
	SuspendOnBreach bool          `yaml:"suspend_on_breach" json:"suspend_on_breach"`
}

// DefaultSLAPolicy 返回默认 SLA 策略
func DefaultSLAPolicy() SLAPolicy {
	return SLAPolicy{
		MinAvailability: 95,
		MaxErrorRate:    0.05,
		MaxLatencyP99:   1000,
		ViolationCap:    3,
		Window:          time.Hour,
		SuspendOnBreach: true,
	}
}

// violations lists the thresholds h breaches.
func (p SLAPolicy) violations(h HealthMetrics) []string {
	var out []string
	if p.MinAvailability > 0 && h.Availability < p.MinAvailability {
		out = append(out, fmt.Sprintf("availability %.1f%% < %.1f%%", h.Availability, p.MinAvailability))
	}
	if p.MaxErrorRate > 0 && h.ErrorRate > p.MaxErrorRate {
		out = append(out, fmt.Sprintf("error rate %.3f > %.3f", h.ErrorRate, p.MaxErrorRate))
	}
	if p.MaxLatencyP99 > 0 && h.LatencyP99 > p.MaxLatencyP99 {
		out = append(out, fmt.Sprintf("p99 %.0fms > %.0fms", h.LatencyP99, p.MaxLatencyP99))
	}
	return out
}

// aggregate builds the metrics for one check from its endpoint results and
// the preceding history. requestErrorRate is the error rate of reported
// requests since the previous check, or negative when none were reported.
func (p ScoringPolicy) aggregate(endpoints []EndpointHealth, history []HealthMetrics, requestErrorRate float64, now time.Time) HealthMetrics {
	h := HealthMetrics{
		Endpoints: endpoints,
		CheckedAt: now,
	}
	if len(endpoints) == 0 {
		h.Status = StatusUnknown
		return h
	}

	window := []HealthMetrics{{Endpoints: endpoints}}
	if n := p.AvailabilityWindow - 1; n > 0 {
		start := max(0, len(history)-n)
		window = append(window, history[start:]...)
	}

	var total, ok int
	var latencies []float64
	for _, w := range window {
		for _, e := range w.Endpoints {
			total++
			if e.Healthy {
				ok++
				latencies = append(latencies, durationMs(e.Latency))
			}
		}
	}
	h.Availability = 100 * float64(ok) / float64(total)
	h.LatencyP50 = percentile(latencies, 50)
	h.LatencyP95 = percentile(latencies, 95)
	h.LatencyP99 = percentile(latencies, 99)

	var cur []float64
	failed := 0
	for _, e := range endpoints {
		if e.Healthy {
			cur = append(cur, durationMs(e.Latency))
		} else {
			failed++
		}
	}
	h.LatencyCurrent = mean(cur)

	if requestErrorRate >= 0 {
		h.ErrorRate = requestErrorRate
	} else {
		h.ErrorRate = float64(failed) / float64(len(endpoints))
	}

	latencyScore := 0.0
	if len(latencies) > 0 {
		latencyScore = math.Max(0, 1-h.LatencyP95/p.LatencyCeilingMs)
	}
	wSum := p.AvailabilityWeight + p.ErrorRateWeight + p.LatencyWeight
	h.Score = 100 * (p.AvailabilityWeight*h.Availability/100 +
		p.ErrorRateWeight*(1-h.ErrorRate) +
		p.LatencyWeight*latencyScore) / wSum
	h.Score = math.Round(h.Score*100) / 100
	h.Status = p.Classify(h.Score)
	return h
}

// trend compares the mean score of the latest TrendWindow checks with the
// TrendWindow before them.
func (p ScoringPolicy) trend(history []HealthMetrics) Trend {
	w := p.TrendWindow
	var scores []float64
	for _, h := range history {
		if h.Status != StatusUnknown {
			scores = append(scores, h.Score)
		}
	}
	if len(scores) < 2*w {
		return TrendUnknown
	}
	recent := mean(scores[len(scores)-w:])
	older := mean(scores[len(scores)-2*w : len(scores)-w])
	switch d := recent - older; {
	case d >= p.TrendDelta:
		return TrendImproving
	case d <= -p.TrendDelta:
		return TrendDegrading
	default:
		return TrendStable
	}
}

// percentile uses the nearest-rank method.
func percentile(values []float64, pct float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	sort.Float64s(sorted)
	rank := int(math.Ceil(pct / 100 * float64(len(sorted))))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
