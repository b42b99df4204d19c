package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWorkerPool_SingleWorkerKeepsOrder(t *testing.T) {
	p := New(Config{Name: "order", Workers: 1, QueueSize: 100}, zaptest.NewLogger(t))

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		}))
	}
	require.NoError(t, p.Close(context.Background()))

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	stats := p.Stats()
	assert.Equal(t, int64(50), stats.Submitted)
	assert.Equal(t, int64(50), stats.Completed)
}

func TestWorkerPool_FullQueueRejects(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1}, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return nil }))

	err := p.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)

	close(release)
	require.NoError(t, p.Close(context.Background()))
}

func TestWorkerPool_PanicAndErrorCounted(t *testing.T) {
	p := New(Config{Workers: 2, QueueSize: 4}, zaptest.NewLogger(t))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return errors.New("failed") }))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return nil }))
	require.NoError(t, p.Close(context.Background()))

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestWorkerPool_CloseSemantics(t *testing.T) {
	p := New(DefaultConfig(), nil)
	block := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)

	assert.ErrorIs(t, p.Submit(context.Background(), func(context.Context) error { return nil }), ErrPoolClosed)
	close(block)
	assert.NoError(t, p.Close(context.Background()))
}

func TestWorkerPool_KeyedOrderAcrossWorkers(t *testing.T) {
	p := New(Config{Name: "keyed", Workers: 4, QueueSize: 400}, zaptest.NewLogger(t))

	var mu sync.Mutex
	got := make(map[string][]int)
	keys := []string{"agent-a", "agent-b", "agent-c", "agent-d", "agent-e"}
	for i := 0; i < 20; i++ {
		for _, k := range keys {
			require.NoError(t, p.SubmitKeyed(context.Background(), k, func(context.Context) error {
				mu.Lock()
				got[k] = append(got[k], i)
				mu.Unlock()
				return nil
			}))
		}
	}
	require.NoError(t, p.Close(context.Background()))

	for _, k := range keys {
		require.Len(t, got[k], 20, k)
		for i, v := range got[k] {
			assert.Equal(t, i, v, k)
		}
	}
	assert.Equal(t, 4, p.Stats().Workers)
}

func TestWorkerPool_ShardForIsStable(t *testing.T) {
	p := New(Config{Workers: 8, QueueSize: 8}, nil)
	defer p.Close(context.Background())

	first := p.shardFor("worker-api-v1")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, p.shardFor("worker-api-v1"))
	}
	assert.Less(t, first, 8)

	single := New(DefaultConfig(), nil)
	defer single.Close(context.Background())
	assert.Zero(t, single.shardFor("anything"))
}

func TestWorkerPool_SubmitRoundRobin(t *testing.T) {
	p := New(Config{Workers: 2, QueueSize: 2}, nil)
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	block := func(context.Context) error {
		started.Done()
		<-release
		return nil
	}

	// 两个 worker 各占一个阻塞任务，再各排一个
	require.NoError(t, p.Submit(context.Background(), block))
	require.NoError(t, p.Submit(context.Background(), block))
	started.Wait()
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return nil }))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, 2, p.Stats().Queued)
	assert.ErrorIs(t, p.Submit(context.Background(), func(context.Context) error { return nil }), ErrPoolFull)

	close(release)
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, int64(4), p.Stats().Completed)
}
