package discovery

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/agentregistry/internal/pool"
)

// EventsConfig controls outbound event delivery next to the in-process bus.
type EventsConfig struct {
	// Log writes every event as a structured log line.
	Log bool `yaml:"log" json:"log" env:"LOG"`
	// QueueSize bounds events waiting for outbound notifiers; overflow is
	// dropped and counted.
	QueueSize int `yaml:"queue_size" json:"queue_size" env:"QUEUE_SIZE"`
	// Workers delivers events for different agents in parallel. Events for
	// one agent always go through the same worker and stay in order.
	Workers int `yaml:"workers" json:"workers" env:"WORKERS"`
}

// DefaultEventsConfig 返回默认事件投递配置
func DefaultEventsConfig() EventsConfig {
	return EventsConfig{QueueSize: 1024, Workers: 1}
}

// AsyncNotifier hands events to next on background workers so a slow
// notifier never holds up registry operations. Events are keyed by agent
// id; with a single worker the global order is preserved as well.
type AsyncNotifier struct {
	next    Notifier
	pool    *pool.WorkerPool
	logger  *zap.Logger
	dropped atomic.Int64
}

// NewAsyncNotifier wraps next. Close it after the Service has stopped.
func NewAsyncNotifier(next Notifier, cfg EventsConfig, logger *zap.Logger) *AsyncNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncNotifier{
		next:   next,
		pool:   pool.New(pool.Config{Name: "events", Workers: cfg.Workers, QueueSize: cfg.QueueSize}, logger),
		logger: logger.With(zap.String("component", "async_notifier")),
	}
}

// Notify implements Notifier. It never blocks.
func (a *AsyncNotifier) Notify(ctx context.Context, event *Event) {
	ctx = context.WithoutCancel(ctx)
	err := a.pool.SubmitKeyed(ctx, event.AgentID, func(ctx context.Context) error {
		a.next.Notify(ctx, event)
		return nil
	})
	if err != nil {
		a.dropped.Add(1)
		a.logger.Warn("event dropped",
			zap.String("event", string(event.Type)),
			zap.String("agent_id", event.AgentID),
			zap.Error(err))
	}
}

// Dropped returns how many events were not queued.
func (a *AsyncNotifier) Dropped() int64 { return a.dropped.Load() }

// Stats exposes the delivery queue statistics.
func (a *AsyncNotifier) Stats() pool.Stats { return a.pool.Stats() }

// Close delivers queued events until ctx expires.
func (a *AsyncNotifier) Close(ctx context.Context) error {
	return a.pool.Close(ctx)
}

// LogNotifier writes events to a logger, one line per event.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.With(zap.String("component", "registry_events"))}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, event *Event) {
	fields := []zap.Field{
		zap.String("event", string(event.Type)),
		zap.String("agent_id", event.AgentID),
		zap.String("tenant", event.Tenant),
		zap.Time("timestamp", event.Timestamp),
	}
	if event.RequestID != "" {
		fields = append(fields, zap.String("request_id", event.RequestID))
	}
	if len(event.Data) > 0 {
		fields = append(fields, zap.Any("data", event.Data))
	}
	n.logger.Info("registry event", fields...)
}

var (
	_ Notifier = (*AsyncNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
