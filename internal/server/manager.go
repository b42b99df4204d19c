package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/BaSui01/agentregistry/config"
	"github.com/BaSui01/agentregistry/internal/tlsutil"
)

// =============================================================================
// 🌐 运维端点 HTTP 服务
// =============================================================================

// Config 运维 HTTP 服务参数
type Config struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" json:"max_header_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// 证书与私钥同时设置时使用 HTTPS
	TLSCertFile string `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" json:"tls_key_file"`

	// 同时打开的连接上限（含 /events 长连接），0 不限制
	MaxConnections int `yaml:"max_connections" json:"max_connections"`
}

// DefaultConfig 运维端点只有探针、指标与事件流，请求头上限取 64KB
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  64 << 10,
		ShutdownTimeout: 30 * time.Second,
	}
}

// ConfigFromServer 由 config.ServerConfig 推导；空闲超时跟随读超时
func ConfigFromServer(sc config.ServerConfig) Config {
	cfg := DefaultConfig()
	cfg.Addr = net.JoinHostPort("", fmt.Sprint(sc.HTTPPort))
	if sc.ReadTimeout > 0 {
		cfg.ReadTimeout = sc.ReadTimeout
		cfg.IdleTimeout = 2 * sc.ReadTimeout
	}
	if sc.WriteTimeout > 0 {
		cfg.WriteTimeout = sc.WriteTimeout
	}
	if sc.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = sc.ShutdownTimeout
	}
	cfg.TLSCertFile, cfg.TLSKeyFile = sc.TLSCertFile, sc.TLSKeyFile
	cfg.MaxConnections = sc.MaxConnections
	return cfg
}

// TLSEnabled 证书与私钥都配置时为 true
func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

type managerState int

const (
	stateIdle managerState = iota
	stateServing
	stateStopped
)

// Manager 负责监听、服务与优雅关闭。
// 请求上下文派生自服务器生命周期上下文，Shutdown 开始时即被取消，
// 长时间运行的处理器（就绪检查、事件流）据此退出。
type Manager struct {
	srv    *http.Server
	cfg    Config
	logger *zap.Logger

	base       context.Context
	cancelBase context.CancelFunc

	mu    sync.RWMutex
	state managerState
	ln    net.Listener
	fail  chan error
}

// NewManager 创建服务，Start 之前不占用端口
func NewManager(handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "http_server")),
		base:       base,
		cancelBase: cancel,
		fail:       make(chan error, 1),
	}
	m.srv = &http.Server{
		Addr:           cfg.Addr,
		Handler:        handler,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
		BaseContext:    func(net.Listener) context.Context { return m.base },
		ErrorLog:       zap.NewStdLog(m.logger),
	}
	m.srv.RegisterOnShutdown(cancel)
	return m
}

// Start 监听后在后台服务，不阻塞
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateServing:
		return errors.New("server already started")
	case stateStopped:
		return errors.New("server is closed")
	}

	// 证书在监听前加载，配置错误在 Start 返回而不是在后台失败
	if m.cfg.TLSEnabled() {
		reloader, err := tlsutil.NewCertReloader(m.cfg.TLSCertFile, m.cfg.TLSKeyFile, m.logger)
		if err != nil {
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		m.srv.TLSConfig = reloader.ServerConfig()
	}

	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.Addr, err)
	}
	if m.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, m.cfg.MaxConnections)
	}
	m.ln = ln
	m.state = stateServing

	fields := []zap.Field{
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", m.cfg.TLSEnabled()),
		zap.Int("max_connections", m.cfg.MaxConnections),
	}
	m.logger.Info("ops server listening", fields...)

	go func() {
		var err error
		if m.cfg.TLSEnabled() {
			// 证书由 TLSConfig.GetCertificate 提供
			err = m.srv.ServeTLS(ln, "", "")
		} else {
			err = m.srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("ops server stopped unexpectedly", zap.Error(err))
			select {
			case m.fail <- err:
			default:
			}
		}
	}()
	return nil
}

// Wait 阻塞到 ctx 结束（返回 nil）或服务异常退出（返回该错误），不负责关闭
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		m.logger.Info("shutdown requested", zap.NamedError("reason", context.Cause(ctx)))
		return nil
	case err := <-m.fail:
		return err
	}
}

// Shutdown 在 ShutdownTimeout 内排空请求；未启动或已关闭时直接返回
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.state
	m.state = stateStopped
	if prev != stateServing {
		m.cancelBase()
		return nil
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Error("ops server shutdown incomplete", zap.Error(err))
		return err
	}
	m.logger.Info("ops server stopped", zap.Duration("took", time.Since(start)))
	return nil
}

// Addr 启动后为实际监听地址（端口 0 时可取到分配的端口），否则为配置地址
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ln != nil {
		return m.ln.Addr().String()
	}
	return m.cfg.Addr
}

// Serving 处于服务状态时为 true
func (m *Manager) Serving() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == stateServing
}
