package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ep(healthy bool, latency time.Duration) EndpointHealth {
	return EndpointHealth{Endpoint: "http://x", Protocol: "http", Healthy: healthy, Latency: latency}
}

func TestAggregate_AllHealthy(t *testing.T) {
	p := DefaultScoringPolicy()
	h := p.aggregate([]EndpointHealth{ep(true, 100*time.Millisecond)}, nil, -1, time.Now())

	assert.Equal(t, 100.0, h.Availability)
	assert.Equal(t, 0.0, h.ErrorRate)
	assert.Equal(t, 100.0, h.LatencyP95)
	// 100 * (0.5*1 + 0.3*1 + 0.2*0.9)
	assert.InDelta(t, 98.0, h.Score, 1e-9)
	assert.Equal(t, StatusHealthy, h.Status)
	assert.True(t, h.Passed())
}

func TestAggregate_AllFailed(t *testing.T) {
	p := DefaultScoringPolicy()
	h := p.aggregate([]EndpointHealth{ep(false, 0), ep(false, 0)}, nil, -1, time.Now())

	assert.Equal(t, 0.0, h.Availability)
	assert.Equal(t, 1.0, h.ErrorRate)
	assert.Equal(t, 0.0, h.Score)
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.False(t, h.Passed())
}

func TestAggregate_RequestErrorRateWins(t *testing.T) {
	p := DefaultScoringPolicy()
	h := p.aggregate([]EndpointHealth{ep(true, 0)}, nil, 0.5, time.Now())
	assert.Equal(t, 0.5, h.ErrorRate)
	// 100 * (0.5 + 0.3*0.5 + 0.2*1)
	assert.InDelta(t, 85.0, h.Score, 1e-9)
}

func TestAggregate_AvailabilityWindow(t *testing.T) {
	p := DefaultScoringPolicy()
	p.AvailabilityWindow = 4
	history := []HealthMetrics{
		{Endpoints: []EndpointHealth{ep(false, 0)}}, // outside the window
		{Endpoints: []EndpointHealth{ep(false, 0)}},
		{Endpoints: []EndpointHealth{ep(true, 10 * time.Millisecond)}},
		{Endpoints: []EndpointHealth{ep(true, 30 * time.Millisecond)}},
	}
	h := p.aggregate([]EndpointHealth{ep(true, 20*time.Millisecond)}, history, -1, time.Now())

	assert.Equal(t, 75.0, h.Availability)
	assert.Equal(t, 20.0, h.LatencyP50)
	assert.Equal(t, 30.0, h.LatencyP99)
	assert.Equal(t, 20.0, h.LatencyCurrent)
}

func TestAggregate_NoEndpointsIsUnknown(t *testing.T) {
	h := DefaultScoringPolicy().aggregate(nil, nil, -1, time.Now())
	assert.Equal(t, StatusUnknown, h.Status)
}

func TestClassify(t *testing.T) {
	p := DefaultScoringPolicy()
	assert.Equal(t, StatusHealthy, p.Classify(80))
	assert.Equal(t, StatusDegraded, p.Classify(79.9))
	assert.Equal(t, StatusDegraded, p.Classify(50))
	assert.Equal(t, StatusUnhealthy, p.Classify(49.9))
}

func TestTrend(t *testing.T) {
	p := DefaultScoringPolicy()
	p.TrendWindow = 2

	scores := func(vals ...float64) []HealthMetrics {
		out := make([]HealthMetrics, len(vals))
		for i, v := range vals {
			out[i] = HealthMetrics{Score: v, Status: StatusHealthy}
		}
		return out
	}

	assert.Equal(t, TrendUnknown, p.trend(scores(90, 90, 90)))
	assert.Equal(t, TrendImproving, p.trend(scores(60, 60, 80, 80)))
	assert.Equal(t, TrendDegrading, p.trend(scores(0, 90, 90, 80, 80)))
	assert.Equal(t, TrendStable, p.trend(scores(80, 82, 81, 83)))
}

func TestPercentile(t *testing.T) {
	vals := []float64{5, 1, 4, 2, 3}
	assert.Equal(t, 3.0, percentile(vals, 50))
	assert.Equal(t, 5.0, percentile(vals, 99))
	assert.Equal(t, 1.0, percentile(vals, 1))
	assert.Equal(t, 0.0, percentile(nil, 50))
	assert.Equal(t, []float64{5, 1, 4, 2, 3}, vals, "input must not be reordered")
}

func TestSLAViolations(t *testing.T) {
	p := DefaultSLAPolicy()
	assert.Empty(t, p.violations(HealthMetrics{Availability: 100, LatencyP99: 10}))

	got := p.violations(HealthMetrics{Availability: 90, ErrorRate: 0.2, LatencyP99: 2000})
	require.Len(t, got, 3)
}

func TestScoringPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultScoringPolicy().Validate())
	p := DefaultScoringPolicy()
	p.DegradedThreshold = 90
	assert.Error(t, p.Validate())
}
