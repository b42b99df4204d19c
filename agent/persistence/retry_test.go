package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentregistry/agent/discovery"
	"github.com/BaSui01/agentregistry/types"
)

// flakyStore fails the first n registration writes with err.
type flakyStore struct {
	*MemoryStore
	failures int
	err      error
	calls    int
}

func (f *flakyStore) SaveRegistration(ctx context.Context, reg *discovery.AgentRegistration) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return f.MemoryStore.SaveRegistration(ctx, reg)
}

func newTestRetrying(inner Store, maxRetries int) (*RetryingStore, *[]time.Duration) {
	var slept []time.Duration
	s := NewRetryingStore(inner, RetryConfig{
		MaxRetries:        maxRetries,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2,
	}, nil)
	s.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return s, &slept
}

func TestRetryingStore_RetriesRetryable(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2, err: backendError("save_registration", "a", errors.New("timeout"))}
	s, slept := newTestRetrying(inner, 3)

	require.NoError(t, s.SaveRegistration(context.Background(), testRegistration("a", "t1", 1)))
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *slept)

	state, err := s.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, state.Registrations, 1)
}

func TestRetryingStore_GivesUp(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 10, err: backendError("save_registration", "a", errors.New("timeout"))}
	s, slept := newTestRetrying(inner, 2)

	err := s.SaveRegistration(context.Background(), testRegistration("a", "t1", 1))
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, 3, inner.calls)
	assert.Len(t, *slept, 2)
}

func TestRetryingStore_NoRetryForPermanentErrors(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 10, err: backendError("save_registration", "a", ErrInvalidInput)}
	s, slept := newTestRetrying(inner, 3)

	err := s.SaveRegistration(context.Background(), testRegistration("a", "t1", 1))
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 1, inner.calls)
	assert.Empty(t, *slept)
}

func TestRetryingStore_StopsOnCancel(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 10, err: backendError("save_registration", "a", errors.New("timeout"))}
	s, _ := newTestRetrying(inner, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.SaveRegistration(ctx, testRegistration("a", "t1", 1))
	assert.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
