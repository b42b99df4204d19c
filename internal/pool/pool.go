// Package pool 提供按 key 分片的有界任务池。
//
// 每个 worker 拥有独立队列。SubmitKeyed 把同一 key 的任务路由到同一个
// worker，因此同一 key 内保持提交顺序，不同 key 之间并行执行。
// 提交从不阻塞：目标队列已满时返回 ErrPoolFull，由调用方决定丢弃或降级。
package pool

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool queue is full")
)

// Task 是一个工作单元
type Task func(ctx context.Context) error

// Config 任务池配置；QueueSize 是所有分片队列容量之和
type Config struct {
	Name      string `yaml:"name" json:"name"`
	Workers   int    `yaml:"workers" json:"workers"`
	QueueSize int    `yaml:"queue_size" json:"queue_size"`
}

// DefaultConfig 单 worker，全部任务严格按提交顺序执行
func DefaultConfig() Config {
	return Config{Name: "default", Workers: 1, QueueSize: 1024}
}

type job struct {
	ctx  context.Context
	task Task
}

// shard 一个 worker 与它的队列
type shard struct {
	queue chan job
}

// WorkerPool 由若干分片组成，每个分片一个 goroutine
type WorkerPool struct {
	shards []shard
	logger *zap.Logger
	next   atomic.Uint64 // 无 key 提交的轮询游标

	// closing 在持有写锁时置位，之后不再向任何队列发送
	mu      sync.RWMutex
	closing bool
	wg      sync.WaitGroup

	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// New 创建任务池并立即启动 worker
func New(cfg Config, logger *zap.Logger) *WorkerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := max(cfg.Workers, 1)
	// 容量均分到各分片，至少为 0（无缓冲时只有空闲 worker 能接收）
	perShard := max(cfg.QueueSize, 0) / workers

	p := &WorkerPool{
		shards: make([]shard, workers),
		logger: logger.With(zap.String("component", "pool"), zap.String("pool", cfg.Name)),
	}
	p.wg.Add(workers)
	for i := range p.shards {
		p.shards[i].queue = make(chan job, perShard)
		go p.run(i)
	}
	return p
}

// Submit 轮询选择分片，不保证任务之间的顺序（单 worker 时除外）
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	idx := int(p.next.Add(1)-1) % len(p.shards)
	return p.enqueue(idx, ctx, task)
}

// SubmitKeyed 同一 key 的任务按提交顺序在同一 worker 上执行
func (p *WorkerPool) SubmitKeyed(ctx context.Context, key string, task Task) error {
	return p.enqueue(p.shardFor(key), ctx, task)
}

func (p *WorkerPool) shardFor(key string) int {
	if len(p.shards) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.shards)))
}

func (p *WorkerPool) enqueue(idx int, ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closing {
		return ErrPoolClosed
	}
	select {
	case p.shards[idx].queue <- job{ctx: ctx, task: task}:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

func (p *WorkerPool) run(idx int) {
	defer p.wg.Done()
	for j := range p.shards[idx].queue {
		p.active.Add(1)
		err := p.safeCall(j)
		p.active.Add(-1)
		if err == nil {
			p.completed.Add(1)
			continue
		}
		p.failed.Add(1)
		p.logger.Debug("task failed", zap.Int("shard", idx), zap.Error(err))
	}
}

// safeCall 把任务 panic 转成错误，worker 不会因此退出
func (p *WorkerPool) safeCall(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return j.task(j.ctx)
}

// Close 拒绝新任务并等待已排队任务执行完。
// ctx 先到期时返回 ctx.Err()，剩余任务仍在后台跑完；再次调用只等待排空。
func (p *WorkerPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closing {
		p.closing = true
		for i := range p.shards {
			close(p.shards[i].queue)
		}
	}
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats 任务池统计
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

func (p *WorkerPool) Stats() Stats {
	queued := 0
	for i := range p.shards {
		queued += len(p.shards[i].queue)
	}
	return Stats{
		Workers:   len(p.shards),
		Active:    int(p.active.Load()),
		Queued:    queued,
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
