package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/agentregistry/agent/discovery"
	"github.com/BaSui01/agentregistry/config"
	"github.com/BaSui01/agentregistry/internal/ctxkeys"
)

// =============================================================================
// 📡 /events 事件流
// =============================================================================

// EventSource 由 discovery.Service 实现
type EventSource interface {
	Subscribe(handler discovery.EventHandler) string
	Unsubscribe(id string) bool
}

// EventStream 把注册中心事件以 JSON 文本帧推送给 WebSocket 客户端。
// 每个连接一个有界缓冲，慢客户端丢事件而不拖慢注册表。
// 租户来自 JWT 的 tenant_id 声明或 ?tenant= 查询参数，前者优先。
type EventStream struct {
	src    EventSource
	cfg    config.EventStreamConfig
	logger *zap.Logger

	// mu 让 closed 检查与 conns.Add 成为一步，Close 开始等待后不再有新连接加入
	mu     sync.Mutex
	closed bool
	done   chan struct{}
	conns  sync.WaitGroup
	active atomic.Int32
}

// NewEventStream 创建事件流处理器
func NewEventStream(src EventSource, cfg config.EventStreamConfig, logger *zap.Logger) *EventStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &EventStream{
		src:    src,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "event_stream")),
		done:   make(chan struct{}),
	}
}

// Active 返回当前连接数
func (s *EventStream) Active() int { return int(s.active.Load()) }

// Close 以 1001 关闭全部连接并等待其退出。http.Server.Shutdown 不跟踪
// 已升级的连接，必须先调用 Close。
func (s *EventStream) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire 成功时调用方负责 conns.Done
func (s *EventStream) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns.Add(1)
	return true
}

func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.acquire() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event stream closed"})
		return
	}
	defer s.conns.Done()

	tenant := r.URL.Query().Get("tenant")
	if claimed, ok := ctxkeys.Tenant(r.Context()); ok {
		if tenant != "" && tenant != claimed {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "tenant not permitted by token"})
			return
		}
		tenant = claimed
	}
	// 既没有声明也没有参数时只看默认租户，绝不跨租户推送
	if tenant == "" {
		tenant = discovery.DefaultTenant
	}

	// 服务端读写超时会保留到升级后的连接上
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s.active.Add(1)
	defer s.active.Add(-1)
	defer conn.CloseNow()

	events := make(chan *discovery.Event, s.cfg.BufferSize)
	var dropped atomic.Int64
	id := s.src.Subscribe(func(e *discovery.Event) {
		if e.Tenant != tenant {
			return
		}
		select {
		case events <- e:
		default:
			dropped.Add(1)
		}
	})
	defer s.src.Unsubscribe(id)

	logger := s.logger.With(
		zap.String("subscription_id", id),
		zap.String("tenant", tenant),
		zap.String("request_id", RequestIDFromContext(r.Context())))
	logger.Info("event stream opened")
	defer func() {
		logger.Info("event stream closed", zap.Int64("dropped", dropped.Load()))
	}()

	// 客户端只读；CloseRead 处理对端关闭帧
	ctx := conn.CloseRead(context.WithoutCancel(r.Context()))
	for {
		select {
		case <-s.done:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ctx.Done():
			return
		case e := <-events:
			wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := wsjson.Write(wctx, conn, e)
			cancel()
			if err != nil {
				logger.Debug("event write failed", zap.Error(err))
				return
			}
		}
	}
}
