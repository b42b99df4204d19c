package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentregistry/manifest"
	"github.com/BaSui01/agentregistry/types"
)

// Config 健康监控配置
type Config struct {
	CheckInterval          time.Duration `yaml:"check_interval" json:"check_interval" env:"CHECK_INTERVAL"`
	ProbeTimeout           time.Duration `yaml:"probe_timeout" json:"probe_timeout" env:"PROBE_TIMEOUT"`
	ProbeConcurrency       int           `yaml:"probe_concurrency" json:"probe_concurrency" env:"PROBE_CONCURRENCY"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures" json:"max_consecutive_failures" env:"MAX_CONSECUTIVE_FAILURES"`
	MaxHistoryEntries      int           `yaml:"max_history_entries" json:"max_history_entries" env:"MAX_HISTORY_ENTRIES"`
	// AutoSuspendState is where failure thresholds send an agent:
	// StateSuspended or StateInactive.
	AutoSuspendState State `yaml:"auto_suspend_state" json:"auto_suspend_state" env:"AUTO_SUSPEND_STATE"`
	// CheckImmediately runs the first check as soon as an agent is scheduled.
	CheckImmediately bool `yaml:"check_immediately" json:"check_immediately" env:"CHECK_IMMEDIATELY"`

	Scoring ScoringPolicy `yaml:"scoring" json:"scoring"`
	SLA     SLAPolicy     `yaml:"sla" json:"sla"`
}

// DefaultConfig 返回默认健康监控配置
func DefaultConfig() Config {
	return Config{
		CheckInterval:          30 * time.Second,
		ProbeTimeout:           5 * time.Second,
		ProbeConcurrency:       4,
		MaxConsecutiveFailures: 3,
		MaxHistoryEntries:      100,
		AutoSuspendState:       StateSuspended,
		CheckImmediately:       true,
		Scoring:                DefaultScoringPolicy(),
		SLA:                    DefaultSLAPolicy(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be positive")
	}
	if c.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("max_consecutive_failures must be at least 1")
	}
	if c.MaxHistoryEntries < 1 {
		return fmt.Errorf("max_history_entries must be at least 1")
	}
	if c.AutoSuspendState != StateSuspended && c.AutoSuspendState != StateInactive {
		return fmt.Errorf("auto_suspend_state must be %q or %q", StateSuspended, StateInactive)
	}
	return c.Scoring.Validate()
}

// RequestStats are cumulative request counters reported for an agent.
type RequestStats struct {
	Total      uint64
	Successful uint64
}

// Sink receives the Monitor's results. The Registry Service implements it to
// write health back into registration records. Sink methods are called
// without any Monitor lock held.
type Sink interface {
	// HealthChecked feeds a completed check into the owner of the
	// consecutive-failure counter.
	HealthChecked(ctx context.Context, agentID string, metrics HealthMetrics)
	// StateChanged reports a transition the Monitor made on its own.
	StateChanged(ctx context.Context, agentID string, from, to State, reason string)
	// RequestStats returns cumulative request counters for agentID.
	RequestStats(agentID string) (RequestStats, bool)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSink sets the result sink. Without a sink the Monitor counts probe
// failures and auto-suspends on its own.
func WithSink(s Sink) Option {
	return func(m *Monitor) { m.sink = s }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

type record struct {
	mu        sync.Mutex
	lc        Lifecycle
	protocols []manifest.Protocol
	failures  int
	removed   bool

	lastStats   RequestStats
	lastStatsAt time.Time
	hasStats    bool
}

type transitionNote struct {
	from, to State
	reason   string
}

// Monitor owns per-agent lifecycle state machines and scheduled checks.
type Monitor struct {
	config    Config
	prober    Prober
	sink      Sink
	scheduler *Scheduler
	now       func() time.Time
	logger    *zap.Logger

	mu      sync.RWMutex
	records map[string]*record
}

// NewMonitor creates a monitor. Checks start as agents are initialized.
func NewMonitor(config Config, prober Prober, logger *zap.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		config:  config,
		prober:  prober,
		now:     time.Now,
		logger:  logger.With(zap.String("component", "health_monitor")),
		records: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.scheduler = NewScheduler(config.CheckInterval, config.CheckImmediately, m.scheduledCheck, logger)
	return m
}

// Config returns the monitor configuration.
func (m *Monitor) Config() Config {
	return m.config
}

// Stop cancels every schedule and waits for in-flight checks.
func (m *Monitor) Stop() {
	m.scheduler.Stop()
	m.logger.Info("health monitor stopped")
}

// InitializeAgent creates the lifecycle record in registered state and
// starts its check schedule. A terminated record with the same id that has
// not been cleaned up yet is replaced.
func (m *Monitor) InitializeAgent(agentID string, mf *manifest.AgentManifest) error {
	now := m.now()
	rec := &record{
		lc: Lifecycle{
			AgentID:      agentID,
			State:        StateRegistered,
			Trend:        TrendUnknown,
			RegisteredAt: now,
			History: []LifecycleEvent{{
				Event:     "registered",
				To:        StateRegistered,
				Timestamp: now,
			}},
		},
	}
	if mf != nil {
		rec.protocols = append(rec.protocols, mf.Protocols...)
	}

	m.mu.Lock()
	if old, ok := m.records[agentID]; ok {
		old.mu.Lock()
		live := old.lc.State != StateTerminated
		if !live {
			old.removed = true
		}
		old.mu.Unlock()
		if live {
			m.mu.Unlock()
			return types.NewDuplicateAgentError(agentID)
		}
	}
	m.records[agentID] = rec
	m.mu.Unlock()

	m.logger.Info("agent lifecycle initialized", zap.String("agent_id", agentID))
	m.scheduler.Schedule(agentID)
	return nil
}

// Restore reinstates a persisted lifecycle, rescheduling checks unless the
// agent is terminated.
func (m *Monitor) Restore(lc *Lifecycle, mf *manifest.AgentManifest) {
	rec := &record{lc: *lc.Clone()}
	if rec.lc.Trend == "" {
		rec.lc.Trend = TrendUnknown
	}
	if mf != nil {
		rec.protocols = append(rec.protocols, mf.Protocols...)
	}
	// Restored active periods restart now, not at the persisted instant.
	if rec.lc.State == StateActive {
		now := m.now()
		rec.lc.LastActiveFrom = &now
	}

	m.mu.Lock()
	if old, ok := m.records[lc.AgentID]; ok {
		old.mu.Lock()
		old.removed = true
		old.mu.Unlock()
	}
	m.records[lc.AgentID] = rec
	m.mu.Unlock()

	if rec.lc.State != StateTerminated {
		m.scheduler.Schedule(lc.AgentID)
	}
}

func (m *Monitor) get(agentID string) *record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[agentID]
}

func (m *Monitor) scheduledCheck(ctx context.Context, agentID string) {
	if _, err := m.PerformHealthCheck(ctx, agentID); err != nil && ctx.Err() == nil {
		m.logger.Debug("scheduled health check failed",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
}

// PerformHealthCheck probes every endpoint of the agent, folds the result
// into its history, trend and SLA record, and reports it to the sink. It
// returns nil metrics without error when the agent is terminated or was
// removed while the probes were in flight.
func (m *Monitor) PerformHealthCheck(ctx context.Context, agentID string) (*HealthMetrics, error) {
	rec := m.get(agentID)
	if rec == nil {
		return nil, types.NewAgentNotFoundError(agentID)
	}
	rec.mu.Lock()
	if rec.removed || rec.lc.State == StateTerminated {
		rec.mu.Unlock()
		return nil, nil
	}
	protocols := rec.protocols
	rec.mu.Unlock()

	endpoints, resources := m.probeAll(ctx, protocols)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var stats RequestStats
	var haveStats bool
	if m.sink != nil {
		stats, haveStats = m.sink.RequestStats(agentID)
	}

	now := m.now()
	var notes []transitionNote

	rec.mu.Lock()
	// The agent may have been unregistered while probes were in flight.
	if rec.removed || rec.lc.State == StateTerminated {
		rec.mu.Unlock()
		return nil, nil
	}

	errRate, throughput := rec.requestDeltas(stats, haveStats, now)
	metrics := m.config.Scoring.aggregate(endpoints, rec.lc.HealthHistory, errRate, now)
	metrics.Throughput = throughput
	metrics.Resources = resources

	rec.appendHealth(metrics, m.config.MaxHistoryEntries)
	rec.lc.Trend = m.config.Scoring.trend(rec.lc.HealthHistory)

	if n := m.checkSLA(rec, metrics, now); n != nil {
		notes = append(notes, *n)
	}

	passed := metrics.Passed()
	if passed && rec.lc.State == StateRegistered {
		rec.lc.transition(StateActive, "activated", "first healthy check", now)
		notes = append(notes, transitionNote{StateRegistered, StateActive, "first healthy check"})
	}

	if m.sink == nil {
		if n := m.countFailure(rec, passed, now); n != nil {
			notes = append(notes, *n)
		}
	}
	snapshot := metrics.Clone()
	rec.mu.Unlock()

	m.logger.Debug("health check completed",
		zap.String("agent_id", agentID),
		zap.String("status", string(snapshot.Status)),
		zap.Float64("score", snapshot.Score))

	if m.sink != nil {
		m.sink.HealthChecked(ctx, agentID, snapshot)
		for _, n := range notes {
			m.sink.StateChanged(ctx, agentID, n.from, n.to, n.reason)
		}
	}
	return &snapshot, nil
}

type probeOutcome struct {
	health    EndpointHealth
	resources *ResourceUsage
}

// probeAll probes endpoints concurrently, each under its own timeout. A
// timed-out probe is a failed sample. The first self-reported resource usage
// in declaration order is returned alongside.
func (m *Monitor) probeAll(ctx context.Context, protocols []manifest.Protocol) ([]EndpointHealth, *ResourceUsage) {
	outcomes := make([]probeOutcome, len(protocols))

	g, gctx := errgroup.WithContext(ctx)
	if m.config.ProbeConcurrency > 0 {
		g.SetLimit(m.config.ProbeConcurrency)
	}
	for i, p := range protocols {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, m.config.ProbeTimeout)
			defer cancel()

			res := m.prober.Probe(pctx, p.Name, p.Endpoint)
			eh := EndpointHealth{
				Endpoint: p.Endpoint,
				Protocol: p.Name,
				Healthy:  res.Healthy && res.Err == nil,
				Latency:  res.Latency,
			}
			if !eh.Healthy {
				eh.ErrorCount = 1
				eh.LastError = "unhealthy"
				if res.Err != nil {
					eh.LastError = res.Err.Error()
				}
			}
			outcomes[i] = probeOutcome{health: eh, resources: res.Resources}
			return nil
		})
	}
	_ = g.Wait()

	endpoints := make([]EndpointHealth, len(outcomes))
	var resources *ResourceUsage
	for i, o := range outcomes {
		endpoints[i] = o.health
		if resources == nil && o.health.Healthy && o.resources != nil {
			r := *o.resources
			resources = &r
		}
	}
	return endpoints, resources
}

// requestDeltas derives the request error rate and throughput since the
// previous check. The error rate is negative when no requests were reported.
func (r *record) requestDeltas(stats RequestStats, ok bool, now time.Time) (errRate, throughput float64) {
	errRate = -1
	if !ok {
		return errRate, 0
	}
	if r.hasStats && stats.Total >= r.lastStats.Total {
		dTotal := stats.Total - r.lastStats.Total
		dOK := stats.Successful - min(stats.Successful, r.lastStats.Successful)
		if dTotal > 0 {
			errRate = float64(dTotal-min(dOK, dTotal)) / float64(dTotal)
		}
		if elapsed := now.Sub(r.lastStatsAt).Seconds(); elapsed > 0 {
			throughput = float64(dTotal) / elapsed
		}
	}
	r.lastStats, r.lastStatsAt, r.hasStats = stats, now, true
	return errRate, throughput
}

// appendHealth appends to the bounded history, evicting the oldest entries.
func (r *record) appendHealth(h HealthMetrics, limit int) {
	r.lc.HealthHistory = append(r.lc.HealthHistory, h)
	if over := len(r.lc.HealthHistory) - limit; over > 0 {
		r.lc.HealthHistory = append(r.lc.HealthHistory[:0:0], r.lc.HealthHistory[over:]...)
	}
}

// checkSLA records a violation for any breached threshold and suspends the
// agent once the violations inside the rolling window exceed the cap.
func (m *Monitor) checkSLA(rec *record, h HealthMetrics, now time.Time) *transitionNote {
	if h.Status == StatusUnknown {
		return nil
	}
	breaches := m.config.SLA.violations(h)
	if len(breaches) == 0 {
		return nil
	}

	rec.lc.SLAViolations++
	rec.lc.ViolationTimes = append(rec.lc.ViolationTimes, now)
	if w := m.config.SLA.Window; w > 0 {
		cutoff := now.Add(-w)
		kept := rec.lc.ViolationTimes[:0]
		for _, t := range rec.lc.ViolationTimes {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		rec.lc.ViolationTimes = kept
	}

	m.logger.Warn("SLA violation",
		zap.String("agent_id", rec.lc.AgentID),
		zap.Strings("breaches", breaches),
		zap.Int("window_violations", len(rec.lc.ViolationTimes)))

	if !m.config.SLA.SuspendOnBreach || len(rec.lc.ViolationTimes) <= m.config.SLA.ViolationCap {
		return nil
	}
	from := rec.lc.State
	if from == StateSuspended || !CanTransition(from, StateSuspended) {
		return nil
	}
	reason := "SLA violations exceeded cap: " + strings.Join(breaches, "; ")
	rec.lc.transition(StateSuspended, "sla_suspended", reason, now)
	m.logger.Warn("agent suspended for SLA violations", zap.String("agent_id", rec.lc.AgentID))
	return &transitionNote{from: from, to: StateSuspended, reason: reason}
}

// countFailure keeps the standalone consecutive-failure counter.
func (m *Monitor) countFailure(rec *record, passed bool, now time.Time) *transitionNote {
	if passed {
		rec.failures = 0
		return nil
	}
	rec.failures++
	if rec.failures < m.config.MaxConsecutiveFailures {
		return nil
	}
	from, to := rec.lc.State, m.config.AutoSuspendState
	if from == to || !CanTransition(from, to) {
		return nil
	}
	reason := fmt.Sprintf("%d consecutive failed health checks", rec.failures)
	rec.lc.transition(to, "auto_suspended", reason, now)
	return &transitionNote{from: from, to: to, reason: reason}
}

// UpdateAgentState applies an explicit transition. It returns false without
// error when the agent is already in newState.
func (m *Monitor) UpdateAgentState(agentID string, newState State, reason string) (bool, error) {
	rec := m.get(agentID)
	if rec == nil {
		return false, types.NewAgentNotFoundError(agentID)
	}

	rec.mu.Lock()
	from := rec.lc.State
	if from == newState {
		rec.mu.Unlock()
		return false, nil
	}
	if !CanTransition(from, newState) {
		rec.mu.Unlock()
		return false, newTransitionError(agentID, from, newState)
	}
	rec.lc.transition(newState, eventFor(newState), reason, m.now())
	rec.mu.Unlock()

	if newState == StateTerminated {
		m.scheduler.Cancel(agentID)
	}
	m.logger.Info("agent state changed",
		zap.String("agent_id", agentID),
		zap.String("from", string(from)),
		zap.String("to", string(newState)),
		zap.String("reason", reason))
	return true, nil
}

func eventFor(s State) string {
	switch s {
	case StateActive:
		return "activated"
	case StateInactive:
		return "deactivated"
	case StateSuspended:
		return "suspended"
	case StateDeprecated:
		return "deprecated"
	case StateTerminated:
		return "terminated"
	default:
		return "state_changed"
	}
}

// CleanupAgent purges a terminated agent's record and schedule. It refuses,
// returning false, for any agent that is not terminated.
func (m *Monitor) CleanupAgent(agentID string) bool {
	m.mu.Lock()
	rec, ok := m.records[agentID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	rec.mu.Lock()
	if rec.lc.State != StateTerminated {
		rec.mu.Unlock()
		m.mu.Unlock()
		return false
	}
	rec.removed = true
	rec.mu.Unlock()
	delete(m.records, agentID)
	m.mu.Unlock()

	m.scheduler.Cancel(agentID)
	m.logger.Debug("agent lifecycle purged", zap.String("agent_id", agentID))
	return true
}

// CleanupTerminated purges every agent terminated longer than olderThan ago
// and returns the purged ids.
func (m *Monitor) CleanupTerminated(olderThan time.Duration) []string {
	cutoff := m.now().Add(-olderThan)

	m.mu.RLock()
	var candidates []string
	for id, rec := range m.records {
		rec.mu.Lock()
		if rec.lc.State == StateTerminated && rec.lc.TerminatedAt != nil && !rec.lc.TerminatedAt.After(cutoff) {
			candidates = append(candidates, id)
		}
		rec.mu.Unlock()
	}
	m.mu.RUnlock()

	var purged []string
	for _, id := range candidates {
		if m.CleanupAgent(id) {
			purged = append(purged, id)
		}
	}
	sort.Strings(purged)
	return purged
}

// GetLifecycle returns a copy of the agent's lifecycle.
func (m *Monitor) GetLifecycle(agentID string) (*Lifecycle, bool) {
	rec := m.get(agentID)
	if rec == nil {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.lc.Clone(), true
}

// GetHealthHistory returns up to limit of the most recent snapshots, oldest
// first. A non-positive limit returns all of them.
func (m *Monitor) GetHealthHistory(agentID string, limit int) []HealthMetrics {
	rec := m.get(agentID)
	if rec == nil {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	h := rec.lc.HealthHistory
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]HealthMetrics, len(h))
	for i, x := range h {
		out[i] = x.Clone()
	}
	return out
}

// State returns the agent's current lifecycle state.
func (m *Monitor) State(agentID string) (State, bool) {
	rec := m.get(agentID)
	if rec == nil {
		return "", false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.lc.State, true
}

// Agents returns the ids of every tracked agent, sorted.
func (m *Monitor) Agents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Scheduled reports whether the agent has a live check schedule.
func (m *Monitor) Scheduled(agentID string) bool {
	return m.scheduler.Scheduled(agentID)
}

