package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler owns one recurring task per agent id. Every scheduled task gets a
// fresh generation number; a tick whose generation is no longer current
// never runs, so Cancel and Schedule are race-free against in-flight ticks.
type Scheduler struct {
	interval  time.Duration
	immediate bool
	run       func(ctx context.Context, agentID string)
	logger    *zap.Logger

	mu      sync.Mutex
	tasks   map[string]scheduledTask
	nextGen uint64
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type scheduledTask struct {
	gen    uint64
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler that calls run for each agent every
// interval. With immediate set the first run happens right away.
func NewScheduler(interval time.Duration, immediate bool, run func(ctx context.Context, agentID string), logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		interval:  interval,
		immediate: immediate,
		run:       run,
		logger:    logger.With(zap.String("component", "health_scheduler")),
		tasks:     make(map[string]scheduledTask),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Schedule starts (or restarts) the task for agentID.
func (s *Scheduler) Schedule(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if old, ok := s.tasks[agentID]; ok {
		old.cancel()
	}

	s.nextGen++
	gen := s.nextGen
	ctx, cancel := context.WithCancel(s.ctx)
	s.tasks[agentID] = scheduledTask{gen: gen, cancel: cancel}

	s.wg.Add(1)
	go s.loop(ctx, agentID, gen)
}

// Cancel stops the task for agentID. No tick of the cancelled task starts
// after Cancel returns.
func (s *Scheduler) Cancel(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[agentID]
	if !ok {
		return false
	}
	t.cancel()
	delete(s.tasks, agentID)
	return true
}

// Scheduled reports whether agentID has a live task.
func (s *Scheduler) Scheduled(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[agentID]
	return ok
}

// Len returns the number of live tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every task and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, t := range s.tasks {
		t.cancel()
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) current(agentID string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[agentID]
	return ok && t.gen == gen
}

func (s *Scheduler) loop(ctx context.Context, agentID string, gen uint64) {
	defer s.wg.Done()

	if s.immediate {
		s.tick(ctx, agentID, gen)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, agentID, gen)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, agentID string, gen uint64) {
	if ctx.Err() != nil || !s.current(agentID, gen) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("health check panicked",
				zap.String("agent_id", agentID),
				zap.Any("panic", r))
		}
	}()
	s.run(ctx, agentID)
}
