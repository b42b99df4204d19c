package health

import (
	"fmt"
	"slices"
	"time"

	"github.com/BaSui01/agentregistry/types"
)

// State 定义 Agent 生命周期状态
type State string

const (
	StateRegistered State = "registered" // Registered, waiting for first healthy check
	StateActive     State = "active"     // Serving
	StateInactive   State = "inactive"   // Temporarily out of rotation
	StateSuspended  State = "suspended"  // Removed from rotation by failures or an operator
	StateDeprecated State = "deprecated" // Winding down, no new work
	StateTerminated State = "terminated" // Absorbing
)

// validTransitions 定义合法的状态转换
var validTransitions = map[State][]State{
	StateRegistered: {StateActive, StateInactive, StateSuspended, StateTerminated},
	StateActive:     {StateInactive, StateSuspended, StateDeprecated, StateTerminated},
	StateInactive:   {StateActive, StateSuspended, StateDeprecated, StateTerminated},
	StateSuspended:  {StateActive, StateInactive, StateDeprecated, StateTerminated},
	StateDeprecated: {StateTerminated},
	StateTerminated: {},
}

// CanTransition 检查状态转换是否合法
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := validTransitions[st]; !ok {
		return "", types.Errorf(types.ErrInvalidRequest, "unknown lifecycle state %q", s)
	}
	return st, nil
}

// ErrInvalidTransition 非法状态转换错误
type ErrInvalidTransition struct {
	AgentID string
	From    State
	To      State
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid state transition for %s: %s -> %s", e.AgentID, e.From, e.To)
}

func newTransitionError(agentID string, from, to State) error {
	return types.NewError(types.ErrIllegalStateTransition, "illegal state transition").
		WithAgent(agentID).
		WithCause(ErrInvalidTransition{AgentID: agentID, From: from, To: to})
}

// LifecycleEvent is one entry of the append-only state history.
type LifecycleEvent struct {
	Event     string    `json:"event"`
	From      State     `json:"from,omitempty"`
	To        State     `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Trend 性能趋势
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
	TrendUnknown   Trend = "unknown"
)

// Lifecycle is the per-agent record owned by the Monitor.
type Lifecycle struct {
	AgentID       string           `json:"agent_id"`
	State         State            `json:"state"`
	History       []LifecycleEvent `json:"history"`
	HealthHistory []HealthMetrics  `json:"health_history"`
	TotalUptime   time.Duration    `json:"total_uptime"`
	SLAViolations int              `json:"sla_violations"`
	Trend         Trend            `json:"trend"`

	RegisteredAt   time.Time  `json:"registered_at"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	DeactivatedAt  *time.Time `json:"deactivated_at,omitempty"`
	SuspendedAt    *time.Time `json:"suspended_at,omitempty"`
	DeprecatedAt   *time.Time `json:"deprecated_at,omitempty"`
	TerminatedAt   *time.Time `json:"terminated_at,omitempty"`
	LastActiveFrom *time.Time `json:"last_active_from,omitempty"`

	// ViolationTimes backs the rolling SLA window.
	ViolationTimes []time.Time `json:"violation_times,omitempty"`
}

// Clone returns a deep copy.
func (l *Lifecycle) Clone() *Lifecycle {
	if l == nil {
		return nil
	}
	c := *l
	c.History = slices.Clone(l.History)
	// nil 保持 nil，与 JSON 后端的往返结果一致
	if l.HealthHistory != nil {
		c.HealthHistory = make([]HealthMetrics, len(l.HealthHistory))
		for i, h := range l.HealthHistory {
			c.HealthHistory[i] = h.Clone()
		}
	}
	c.ViolationTimes = slices.Clone(l.ViolationTimes)
	c.ActivatedAt = cloneTime(l.ActivatedAt)
	c.DeactivatedAt = cloneTime(l.DeactivatedAt)
	c.SuspendedAt = cloneTime(l.SuspendedAt)
	c.DeprecatedAt = cloneTime(l.DeprecatedAt)
	c.TerminatedAt = cloneTime(l.TerminatedAt)
	c.LastActiveFrom = cloneTime(l.LastActiveFrom)
	return &c
}

// Latest returns the most recent health snapshot.
func (l *Lifecycle) Latest() (HealthMetrics, bool) {
	if len(l.HealthHistory) == 0 {
		return HealthMetrics{}, false
	}
	return l.HealthHistory[len(l.HealthHistory)-1], true
}

// Uptime returns TotalUptime including the current active period.
func (l *Lifecycle) Uptime(now time.Time) time.Duration {
	up := l.TotalUptime
	if l.State == StateActive && l.LastActiveFrom != nil {
		up += now.Sub(*l.LastActiveFrom)
	}
	return up
}

// transition moves the record to "to", maintaining timestamps and uptime.
// Callers hold the record lock and have already checked CanTransition.
func (l *Lifecycle) transition(to State, event, reason string, now time.Time) {
	from := l.State
	if from == StateActive && to != StateActive && l.LastActiveFrom != nil {
		l.TotalUptime += now.Sub(*l.LastActiveFrom)
		l.LastActiveFrom = nil
	}

	ts := now
	switch to {
	case StateActive:
		l.ActivatedAt = &ts
		l.LastActiveFrom = &ts
	case StateInactive:
		l.DeactivatedAt = &ts
	case StateSuspended:
		l.SuspendedAt = &ts
	case StateDeprecated:
		l.DeprecatedAt = &ts
	case StateTerminated:
		l.TerminatedAt = &ts
	}

	l.State = to
	l.History = append(l.History, LifecycleEvent{
		Event:     event,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: now,
	})
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
