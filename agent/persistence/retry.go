package persistence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentregistry/agent/discovery"
	"github.com/BaSui01/agentregistry/agent/health"
	"github.com/BaSui01/agentregistry/types"
)

// RetryingStore retries retryable backend failures with exponential backoff.
type RetryingStore struct {
	Store
	config RetryConfig
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewRetryingStore wraps store. A MaxRetries of zero disables retries.
func NewRetryingStore(store Store, config RetryConfig, logger *zap.Logger) *RetryingStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingStore{
		Store:  store,
		config: config,
		logger: logger.With(zap.String("component", "persistence_retry")),
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *RetryingStore) do(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil || s.config.MaxRetries <= 0 {
		return err
	}
	b := s.config.NewBackOff()
	for attempt := 1; err != nil && types.IsRetryable(err) && attempt <= s.config.MaxRetries; attempt++ {
		wait := b.NextBackOff()
		s.logger.Debug("retrying persistence operation",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if serr := s.sleep(ctx, wait); serr != nil {
			return err
		}
		err = fn()
	}
	return err
}

// SaveRegistration implements discovery.Persistence.
func (s *RetryingStore) SaveRegistration(ctx context.Context, reg *discovery.AgentRegistration) error {
	return s.do(ctx, "save_registration", func() error { return s.Store.SaveRegistration(ctx, reg) })
}

// DeleteRegistration implements discovery.Persistence.
func (s *RetryingStore) DeleteRegistration(ctx context.Context, agentID string) error {
	return s.do(ctx, "delete_registration", func() error { return s.Store.DeleteRegistration(ctx, agentID) })
}

// SaveLifecycle implements discovery.Persistence.
func (s *RetryingStore) SaveLifecycle(ctx context.Context, lc *health.Lifecycle) error {
	return s.do(ctx, "save_lifecycle", func() error { return s.Store.SaveLifecycle(ctx, lc) })
}

// DeleteLifecycle implements discovery.Persistence.
func (s *RetryingStore) DeleteLifecycle(ctx context.Context, agentID string) error {
	return s.do(ctx, "delete_lifecycle", func() error { return s.Store.DeleteLifecycle(ctx, agentID) })
}

// LoadAll implements discovery.Persistence.
func (s *RetryingStore) LoadAll(ctx context.Context) (*discovery.PersistedState, error) {
	var state *discovery.PersistedState
	err := s.do(ctx, "load_all", func() error {
		var err error
		state, err = s.Store.LoadAll(ctx)
		return err
	})
	return state, err
}
