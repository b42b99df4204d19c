package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentregistry/agent/capability"
	"github.com/BaSui01/agentregistry/agent/health"
	"github.com/BaSui01/agentregistry/internal/ctxkeys"
	"github.com/BaSui01/agentregistry/manifest"
	"github.com/BaSui01/agentregistry/types"
)

const instrumentationName = "github.com/BaSui01/agentregistry/agent/discovery"

// Service is the Registry Service: the single boundary through which agents
// are registered, discovered, matched, ranked, composed and health-tracked.
// It owns the Store, the Matcher and the Health Monitor.
type Service struct {
	config      Config
	store       *Store
	matcher     *capability.Matcher
	monitor     *health.Monitor
	validator   manifest.Validator
	persistence Persistence
	recorder    Recorder
	events      *EventBus
	notifiers   []Notifier
	tracer      trace.Tracer
	capacity    *rateTracker
	prober      health.Prober
	now         func() time.Time
	logger      *zap.Logger

	// stripes serialize mutations per agent id.
	stripes []sync.Mutex

	runMu   sync.Mutex
	running bool
	stopped bool // Stop 后健康检查调度器不可再用
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithValidator replaces the default manifest validator.
func WithValidator(v manifest.Validator) Option {
	return func(s *Service) { s.validator = v }
}

// WithPersistence mirrors state into p and rehydrates from it on Start.
func WithPersistence(p Persistence) Option {
	return func(s *Service) { s.persistence = p }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithNotifier adds an outbound notifier next to the built-in event bus.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifiers = append(s.notifiers, n) }
}

// WithProber replaces the network prober used by health checks.
func WithProber(p health.Prober) Option {
	return func(s *Service) { s.prober = p }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTracerProvider sets the tracer provider; the global one is used
// otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer(instrumentationName) }
}

// NewService creates a Registry Service. Health checks start as agents
// register; call Start to rehydrate and run the janitor.
func NewService(config Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		config:   config,
		store:    NewStore(),
		matcher:  capability.NewMatcher(config.Capability),
		recorder: nopRecorder{},
		tracer:   otel.Tracer(instrumentationName),
		capacity: newRateTracker(config.Match.CapacityWindow),
		now:      time.Now,
		logger:   logger.With(zap.String("component", "registry_service")),
		stripes:  make([]sync.Mutex, config.LockStripes),
	}
	s.events = NewEventBus(logger)
	for _, opt := range opts {
		opt(s)
	}
	s.notifiers = append([]Notifier{s.events}, s.notifiers...)
	if s.validator == nil {
		v, err := manifest.NewDefaultValidator()
		if err != nil {
			return nil, fmt.Errorf("failed to build manifest validator: %w", err)
		}
		s.validator = v
	}
	if s.prober == nil {
		s.prober = health.NewNetworkProber(health.DefaultNetworkProberConfig())
	}
	s.monitor = health.NewMonitor(config.Health, s.prober, logger,
		health.WithSink(s),
		health.WithClock(s.now))
	return s, nil
}

// ErrServiceStopped Stop 之后不能再次 Start，需要新建 Service
var ErrServiceStopped = errors.New("registry service stopped")

// Start rehydrates persisted state and starts the terminated-record janitor.
// A stopped service cannot be restarted.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return fmt.Errorf("service already running")
	}
	if s.stopped {
		return ErrServiceStopped
	}

	if s.persistence != nil {
		n, err := s.Rehydrate(ctx)
		if err != nil {
			return fmt.Errorf("failed to rehydrate registry: %w", err)
		}
		s.logger.Info("registry rehydrated", zap.Int("agents", n))
	}

	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.janitorLoop()

	s.running = true
	s.logger.Info("registry service started")
	return nil
}

// Stop stops the janitor and every health check.
func (s *Service) Stop(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		close(s.done)
		s.wg.Wait()
		s.running = false
	}
	s.stopped = true
	s.monitor.Stop()
	s.logger.Info("registry service stopped")
	return nil
}

// Running reports whether Start has completed and Stop has not been called.
func (s *Service) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// Monitor exposes the health monitor.
func (s *Service) Monitor() *health.Monitor {
	return s.monitor
}

// Matcher exposes the capability matcher.
func (s *Service) Matcher() *capability.Matcher {
	return s.matcher
}

// Store exposes the registration store.
func (s *Service) Store() *Store {
	return s.store
}

// Subscribe registers an event handler and returns its subscription id.
func (s *Service) Subscribe(handler EventHandler) string {
	return s.events.Subscribe(handler)
}

// Unsubscribe removes an event subscription.
func (s *Service) Unsubscribe(subscriptionID string) bool {
	return s.events.Unsubscribe(subscriptionID)
}

// =============================================================================
// 注册与注销
// =============================================================================

// Register validates the manifest and registers the agent as active. On
// rejection the result carries the validation results alongside the error.
func (s *Service) Register(ctx context.Context, mf *manifest.AgentManifest, opts RegisterOptions) (res *RegistrationResult, err error) {
	if mf == nil {
		return nil, types.NewError(types.ErrInvalidManifest, "manifest is nil")
	}
	tenant := tenantFor(ctx, opts.Tenant)
	ctx, end := s.begin(ctx, "register",
		attribute.String("agent.id", mf.ID),
		attribute.String("tenant", tenant))
	defer end(&err)

	res = &RegistrationResult{AgentID: mf.ID}
	report, verr := s.validator.Validate(ctx, mf)
	if verr != nil {
		s.recorder.RecordRegistration(tenant, false)
		return res, types.NewError(types.ErrInvalidManifest, "manifest validation failed").
			WithAgent(mf.ID).WithCause(verr)
	}
	if report == nil {
		return res, types.NewError(types.ErrInternalError, "validator returned no report").WithAgent(mf.ID)
	}
	res.ValidationResults = report.Results
	if !report.Valid {
		s.recorder.RecordRegistration(tenant, false)
		return res, types.NewError(types.ErrInvalidManifest, strings.Join(report.Errors, "; ")).WithAgent(mf.ID)
	}

	now := s.now()
	reg := &AgentRegistration{
		RegistrationID: uuid.NewString(),
		AgentID:        mf.ID,
		Tenant:         tenant,
		Namespace:      opts.Namespace,
		Manifest:       mf.Clone(),
		Status:         StatusActive,
		Health: HealthSnapshot{
			Score:  s.config.InitialHealthScore,
			Status: health.StatusUnknown,
		},
		Endpoints:    endpointsFor(mf),
		RegisteredAt: now,
		UpdatedAt:    now,
	}

	unlock := s.lockAgent(mf.ID)
	stored, err := s.store.Insert(reg)
	if err != nil {
		unlock()
		s.recorder.RecordRegistration(tenant, false)
		return res, err
	}
	if err := s.monitor.InitializeAgent(mf.ID, mf); err != nil {
		s.store.Remove(mf.ID)
		unlock()
		s.recorder.RecordRegistration(tenant, false)
		return res, err
	}
	if _, err := s.monitor.UpdateAgentState(mf.ID, health.StateActive, "registered"); err != nil {
		s.logger.Warn("failed to activate registered agent", zap.String("agent_id", mf.ID), zap.Error(err))
	}
	s.persistAgent(ctx, mf.ID)
	unlock()

	s.recorder.RecordRegistration(tenant, true)
	s.recorder.SetRegisteredAgents(s.store.Len())
	s.logger.Info("agent registered",
		zap.String("agent_id", mf.ID),
		zap.String("tenant", tenant),
		zap.String("registration_id", stored.RegistrationID),
		requestIDField(ctx))
	s.emit(ctx, EventRegistered, stored.AgentID, tenant, map[string]any{
		"registration_id": stored.RegistrationID,
		"type":            mf.Type,
		"domains":         mf.Capabilities.Domains,
	})

	res.Success = true
	res.RegistrationID = stored.RegistrationID
	res.Registration = stored
	return res, nil
}

// UnregisterAgent removes the agent from the store and every index, stops
// its health checks and records the terminal lifecycle event. It returns
// false when the agent is not registered.
func (s *Service) UnregisterAgent(ctx context.Context, agentID, reason string) bool {
	ctx, end := s.begin(ctx, "unregister", attribute.String("agent.id", agentID))
	defer end(nil)

	unlock := s.lockAgent(agentID)
	reg, ok := s.store.Remove(agentID)
	if !ok {
		unlock()
		return false
	}
	if reason == "" {
		reason = "unregistered"
	}
	if _, err := s.monitor.UpdateAgentState(agentID, health.StateTerminated, reason); err != nil {
		s.logger.Warn("failed to terminate lifecycle", zap.String("agent_id", agentID), zap.Error(err))
	}
	s.capacity.forget(agentID)

	pctx, cancel := s.persistContext(ctx)
	if s.persistence != nil {
		if err := s.persistence.DeleteRegistration(pctx, agentID); err != nil {
			s.persistFailed("delete_registration", agentID, err)
		}
	}
	s.persistLifecycle(pctx, agentID)
	cancel()
	unlock()

	s.recorder.RecordUnregistration(reg.Tenant)
	s.recorder.SetRegisteredAgents(s.store.Len())
	s.logger.Info("agent unregistered", zap.String("agent_id", agentID), zap.String("reason", reason), requestIDField(ctx))
	s.emit(ctx, EventUnregistered, agentID, reg.Tenant, map[string]any{"reason": reason})
	return true
}

// CleanupAgent purges a terminated agent's lifecycle. It returns false for
// agents that are not terminated.
func (s *Service) CleanupAgent(ctx context.Context, agentID string) bool {
	if !s.monitor.CleanupAgent(agentID) {
		return false
	}
	if s.persistence != nil {
		pctx, cancel := s.persistContext(ctx)
		defer cancel()
		if err := s.persistence.DeleteLifecycle(pctx, agentID); err != nil {
			s.persistFailed("delete_lifecycle", agentID, err)
		}
	}
	return true
}

// =============================================================================
// 健康与状态
// =============================================================================

// UpdateAgentHealth records an externally observed request outcome. A
// failure that brings the consecutive-failure count to the configured
// maximum moves the agent to the auto-suspend state in the same per-agent
// critical section.
func (s *Service) UpdateAgentHealth(ctx context.Context, agentID string, report HealthReport) (res *HealthUpdateResult, err error) {
	ctx, end := s.begin(ctx, "update_health", attribute.String("agent.id", agentID))
	defer end(&err)

	now := s.now()
	unlock := s.lockAgent(agentID)
	prev, ok := s.store.Get(agentID)
	if !ok {
		unlock()
		return nil, types.NewAgentNotFoundError(agentID)
	}

	reg, _ := s.store.Update(agentID, func(r *AgentRegistration) {
		r.Usage.TotalRequests++
		t := now
		r.Usage.LastRequestAt = &t
		r.UpdatedAt = now
		if report.Success {
			r.Usage.SuccessfulRequests++
			r.Health.ConsecutiveFailures = 0
			r.Health.LastError = ""
			if report.ResponseTime != nil {
				r.Usage.AverageResponseTime = s.smooth(r.Usage.AverageResponseTime, *report.ResponseTime, r.Usage.SuccessfulRequests == 1)
			}
			return
		}
		r.Health.ConsecutiveFailures++
		r.Health.LastError = report.Error
	})
	s.capacity.record(agentID, now)

	suspended := false
	if !report.Success {
		suspended = s.enforceFailureThreshold(agentID, reg.Health.ConsecutiveFailures, "request failures")
		if suspended {
			reg, _ = s.store.Get(agentID)
		}
	}
	s.persistAgent(ctx, agentID)
	unlock()

	s.emit(ctx, EventHealthUpdated, agentID, reg.Tenant, map[string]any{
		"success":              report.Success,
		"consecutive_failures": reg.Health.ConsecutiveFailures,
	})
	if suspended {
		s.emitSuspension(ctx, reg, prev.Status)
	}

	return &HealthUpdateResult{
		AgentID:        agentID,
		Status:         reg.Status,
		PreviousStatus: prev.Status,
		Health:         reg.Health,
		Usage:          reg.Usage,
		Suspended:      suspended,
	}, nil
}

// UpdateAgentState applies an explicit lifecycle transition. Moving an agent
// to terminated unregisters it. It returns false without error when the
// agent is already in newState.
func (s *Service) UpdateAgentState(ctx context.Context, agentID string, newState health.State, reason string) (changed bool, err error) {
	ctx, end := s.begin(ctx, "update_state",
		attribute.String("agent.id", agentID),
		attribute.String("state", string(newState)))
	defer end(&err)

	if _, err := health.ParseState(string(newState)); err != nil {
		return false, err
	}
	if newState == health.StateTerminated {
		if !s.UnregisterAgent(ctx, agentID, reason) {
			return false, types.NewAgentNotFoundError(agentID)
		}
		return true, nil
	}

	unlock := s.lockAgent(agentID)
	prev, ok := s.store.Get(agentID)
	if !ok {
		unlock()
		return false, types.NewAgentNotFoundError(agentID)
	}
	from, _ := s.monitor.State(agentID)
	changed, err = s.monitor.UpdateAgentState(agentID, newState, reason)
	if err != nil || !changed {
		unlock()
		return false, err
	}
	reg := s.syncStatus(agentID, newState == health.StateActive)
	s.persistAgent(ctx, agentID)
	unlock()

	s.recorder.RecordStateTransition(string(from), string(newState))
	s.emit(ctx, EventStateChanged, agentID, prev.Tenant, map[string]any{
		"from":   string(from),
		"to":     string(newState),
		"reason": reason,
	})
	if newState == health.StateSuspended && reg != nil {
		s.emitSuspension(ctx, reg, prev.Status)
	}
	return true, nil
}

// enforceFailureThreshold forces the auto-suspend state once failures reach
// the configured maximum. The caller holds the agent's stripe lock.
func (s *Service) enforceFailureThreshold(agentID string, failures int, cause string) bool {
	if failures < s.config.Health.MaxConsecutiveFailures {
		return false
	}
	target := s.config.Health.AutoSuspendState
	from, ok := s.monitor.State(agentID)
	if !ok || from == target || !health.CanTransition(from, target) {
		return false
	}
	reason := fmt.Sprintf("%d consecutive failures (%s)", failures, cause)
	changed, err := s.monitor.UpdateAgentState(agentID, target, reason)
	if err != nil || !changed {
		return false
	}
	s.syncStatus(agentID, false)
	s.recorder.RecordAutoSuspension()
	s.recorder.RecordStateTransition(string(from), string(target))
	s.logger.Warn("agent auto-suspended",
		zap.String("agent_id", agentID),
		zap.String("state", string(target)),
		zap.Int("consecutive_failures", failures))
	return true
}

// syncStatus copies the authoritative lifecycle state onto the registration.
// resetFailures clears the failure counter on explicit reactivation.
func (s *Service) syncStatus(agentID string, resetFailures bool) *AgentRegistration {
	state, ok := s.monitor.State(agentID)
	if !ok {
		return nil
	}
	status, ok := statusFor(state)
	if !ok {
		return nil
	}
	reg, _ := s.store.Update(agentID, func(r *AgentRegistration) {
		r.Status = status
		r.UpdatedAt = s.now()
		if resetFailures {
			r.Health.ConsecutiveFailures = 0
		}
	})
	return reg
}

func (s *Service) emitSuspension(ctx context.Context, reg *AgentRegistration, previous Status) {
	s.emit(ctx, EventSuspended, reg.AgentID, reg.Tenant, map[string]any{
		"from":                 string(previous),
		"to":                   string(reg.Status),
		"consecutive_failures": reg.Health.ConsecutiveFailures,
	})
}

// smooth folds a sample into the exponential moving average.
func (s *Service) smooth(avg, sample time.Duration, first bool) time.Duration {
	if first || avg == 0 {
		return sample
	}
	a := s.config.ResponseTimeAlpha
	return time.Duration(a*float64(sample) + (1-a)*float64(avg))
}

// =============================================================================
// 查询
// =============================================================================

// GetAgent returns a copy of the registration.
func (s *Service) GetAgent(_ context.Context, agentID string) (*AgentRegistration, error) {
	reg, ok := s.store.Get(agentID)
	if !ok {
		return nil, types.NewAgentNotFoundError(agentID)
	}
	return reg, nil
}

// ListAgents returns registrations matching opts, most recent first.
func (s *Service) ListAgents(_ context.Context, opts ListOptions) []*AgentRegistration {
	return s.store.Snapshot(opts)
}

// GetLifecycle returns a copy of the agent's lifecycle, including terminated
// agents not yet cleaned up.
func (s *Service) GetLifecycle(_ context.Context, agentID string) (*health.Lifecycle, error) {
	lc, ok := s.monitor.GetLifecycle(agentID)
	if !ok {
		return nil, types.NewAgentNotFoundError(agentID)
	}
	return lc, nil
}

// GetHealthHistory returns up to limit recent health snapshots, oldest first.
func (s *Service) GetHealthHistory(_ context.Context, agentID string, limit int) ([]health.HealthMetrics, error) {
	if _, ok := s.monitor.State(agentID); !ok {
		return nil, types.NewAgentNotFoundError(agentID)
	}
	return s.monitor.GetHealthHistory(agentID, limit), nil
}

// =============================================================================
// 内部工具
// =============================================================================

func (s *Service) lockAgent(agentID string) func() {
	mu := &s.stripes[xxhash.Sum64String(agentID)%uint64(len(s.stripes))]
	mu.Lock()
	return mu.Unlock
}

// begin opens a span for op; the returned func ends it and records the
// request metric.
func (s *Service) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "registry."+op, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if code := types.GetErrorCode(err); code != "" {
				span.SetAttributes(attribute.String("error.code", string(code)))
			}
		}
		span.End()
		s.recorder.RecordRequest(op, time.Since(start), err)
	}
}

func (s *Service) emit(ctx context.Context, typ EventType, agentID, tenant string, data map[string]any) {
	ev := &Event{
		Type:      typ,
		AgentID:   agentID,
		Tenant:    tenant,
		Timestamp: s.now(),
		Data:      data,
	}
	ev.RequestID, _ = ctxkeys.RequestID(ctx)
	for _, n := range s.notifiers {
		n.Notify(ctx, ev)
	}
}

func (s *Service) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.config.PersistTimeout)
}

// persistAgent saves the registration and lifecycle. The caller holds the
// agent's stripe lock so saves for one agent land in order.
func (s *Service) persistAgent(ctx context.Context, agentID string) {
	if s.persistence == nil {
		return
	}
	pctx, cancel := s.persistContext(ctx)
	defer cancel()
	if reg, ok := s.store.Get(agentID); ok {
		if err := s.persistence.SaveRegistration(pctx, reg); err != nil {
			s.persistFailed("save_registration", agentID, err)
		}
	}
	s.persistLifecycle(pctx, agentID)
}

func (s *Service) persistLifecycle(ctx context.Context, agentID string) {
	if s.persistence == nil {
		return
	}
	lc, ok := s.monitor.GetLifecycle(agentID)
	if !ok {
		return
	}
	if err := s.persistence.SaveLifecycle(ctx, lc); err != nil {
		s.persistFailed("save_lifecycle", agentID, err)
	}
}

func (s *Service) persistFailed(op, agentID string, err error) {
	s.recorder.RecordPersistenceError(op)
	s.logger.Error("persistence operation failed",
		zap.String("operation", op),
		zap.String("agent_id", agentID),
		zap.Error(err))
}

// tenantFor 依次取显式租户、context 中的租户、DefaultTenant
func tenantFor(ctx context.Context, tenant string) string {
	if tenant != "" {
		return tenant
	}
	if t, ok := ctxkeys.Tenant(ctx); ok {
		return t
	}
	return DefaultTenant
}

func requestIDField(ctx context.Context) zap.Field {
	if id, ok := ctxkeys.RequestID(ctx); ok {
		return zap.String("request_id", id)
	}
	return zap.Skip()
}
