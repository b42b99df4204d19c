package health

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentregistry/types"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateRegistered, StateActive, true},
		{StateActive, StateInactive, true},
		{StateInactive, StateActive, true},
		{StateInactive, StateSuspended, true},
		{StateSuspended, StateInactive, true},
		{StateSuspended, StateActive, true},
		{StateActive, StateDeprecated, true},
		{StateDeprecated, StateTerminated, true},
		{StateDeprecated, StateActive, false},
		{StateRegistered, StateDeprecated, false},
		{StateTerminated, StateActive, false},
		{StateTerminated, StateRegistered, false},
		{State("bogus"), StateActive, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTerminatedIsAbsorbing(t *testing.T) {
	for s := range validTransitions {
		assert.False(t, CanTransition(StateTerminated, s), "terminated -> %s", s)
		if s != StateTerminated {
			assert.True(t, CanTransition(s, StateTerminated), "%s -> terminated", s)
		}
	}
}

func TestParseState(t *testing.T) {
	s, err := ParseState("suspended")
	require.NoError(t, err)
	assert.Equal(t, StateSuspended, s)

	_, err = ParseState("paused")
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestLifecycle_TransitionAccumulatesUptime(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lc := &Lifecycle{AgentID: "a", State: StateRegistered}

	lc.transition(StateActive, "activated", "", t0)
	require.NotNil(t, lc.ActivatedAt)
	assert.Equal(t, 10*time.Minute, lc.Uptime(t0.Add(10*time.Minute)))

	lc.transition(StateSuspended, "suspended", "failures", t0.Add(30*time.Minute))
	assert.Equal(t, 30*time.Minute, lc.TotalUptime)
	assert.Nil(t, lc.LastActiveFrom)
	require.NotNil(t, lc.SuspendedAt)

	lc.transition(StateActive, "activated", "operator", t0.Add(time.Hour))
	lc.transition(StateTerminated, "terminated", "", t0.Add(90*time.Minute))
	assert.Equal(t, time.Hour, lc.TotalUptime)
	assert.Equal(t, time.Hour, lc.Uptime(t0.Add(10*time.Hour)))

	require.Len(t, lc.History, 4)
	assert.Equal(t, StateSuspended, lc.History[1].To)
	assert.Equal(t, StateActive, lc.History[1].From)
	assert.Equal(t, "failures", lc.History[1].Reason)
}

func TestLifecycle_CloneIsDeep(t *testing.T) {
	now := time.Now()
	lc := &Lifecycle{
		AgentID:       "a",
		History:       []LifecycleEvent{{Event: "registered"}},
		HealthHistory: []HealthMetrics{{Score: 90, Endpoints: []EndpointHealth{{Endpoint: "x"}}}},
		ActivatedAt:   &now,
	}
	c := lc.Clone()
	c.History[0].Event = "changed"
	c.HealthHistory[0].Endpoints[0].Endpoint = "y"
	*c.ActivatedAt = now.Add(time.Hour)

	assert.Equal(t, "registered", lc.History[0].Event)
	assert.Equal(t, "x", lc.HealthHistory[0].Endpoints[0].Endpoint)
	assert.Equal(t, now, *lc.ActivatedAt)
}

func TestLifecycle_CloneMatchesJSONRoundTrip(t *testing.T) {
	lc := &Lifecycle{AgentID: "a", State: StateRegistered}
	c := lc.Clone()
	assert.Nil(t, c.HealthHistory)
	assert.Nil(t, c.History)

	data, err := json.Marshal(lc)
	require.NoError(t, err)
	var decoded Lifecycle
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, &decoded, c)

	lc.HealthHistory = []HealthMetrics{}
	assert.NotNil(t, lc.Clone().HealthHistory, "empty history stays empty, not nil")
}

func TestLifecycle_Latest(t *testing.T) {
	lc := &Lifecycle{AgentID: "a"}
	_, ok := lc.Latest()
	assert.False(t, ok)

	lc.HealthHistory = []HealthMetrics{{Score: 90}, {Score: 40}}
	latest, ok := lc.Latest()
	assert.True(t, ok)
	assert.Equal(t, 40.0, latest.Score)
}
