package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// 🗄️ SQL 后端连接池
// =============================================================================

const defaultPingTimeout = 5 * time.Second

// ErrPoolClosed Close 之后的 Ping 返回此错误
var ErrPoolClosed = errors.New("database pool is closed")

// PoolConfig 连接池参数
type PoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// 后台探活间隔，0 表示不探活
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultPoolConfig 注册表的写入量很小，连接数上限比通用服务低
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        4,
		MaxOpenConns:        16,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Validate 校验连接池参数
func (c PoolConfig) Validate() error {
	var errs []error
	if c.MaxOpenConns < 1 {
		errs = append(errs, errors.New("max_open_conns must be at least 1"))
	}
	if c.MaxIdleConns < 1 {
		errs = append(errs, errors.New("max_idle_conns must be at least 1"))
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		errs = append(errs, errors.New("max_idle_conns must not exceed max_open_conns"))
	}
	if c.HealthCheckInterval < 0 {
		errs = append(errs, errors.New("health_check_interval must not be negative"))
	}
	return errors.Join(errs...)
}

// PoolOption 配置 PoolManager
type PoolOption func(*PoolManager)

// WithStatsReporter 每次探活成功后回调连接池统计（serve 用它更新 Prometheus gauge）
func WithStatsReporter(fn func(PoolStats)) PoolOption {
	return func(pm *PoolManager) { pm.reportStats = fn }
}

// WithPingTimeout 设置单次后台探活的超时
func WithPingTimeout(d time.Duration) PoolOption {
	return func(pm *PoolManager) {
		if d > 0 {
			pm.pingTimeout = d
		}
	}
}

// PoolManager 包装 SQL 持久化后端共享的 *gorm.DB，
// 负责连接池参数、后台探活与可达性状态跟踪
type PoolManager struct {
	db          *gorm.DB
	sqlDB       *sql.DB
	cfg         PoolConfig
	logger      *zap.Logger
	reportStats func(PoolStats)
	pingTimeout time.Duration

	mu        sync.RWMutex
	closed    bool
	failures  int
	lastErr   error
	lastCheck time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPoolManager 应用连接池参数，并在配置了间隔时启动后台探活
func NewPoolManager(db *gorm.DB, cfg PoolConfig, logger *zap.Logger, opts ...PoolOption) (*PoolManager, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pm := &PoolManager{
		db:          db,
		sqlDB:       sqlDB,
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "db_pool")),
		pingTimeout: defaultPingTimeout,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(pm)
	}

	if cfg.HealthCheckInterval > 0 {
		pm.wg.Add(1)
		go pm.probeLoop()
	}

	pm.logger.Info("database pool initialized",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
		zap.Duration("health_check_interval", cfg.HealthCheckInterval),
	)
	return pm, nil
}

// DB 返回共享的 GORM 实例
func (pm *PoolManager) DB() *gorm.DB {
	return pm.db
}

// Ping 直接探测数据库，用于 /readyz
func (pm *PoolManager) Ping(ctx context.Context) error {
	pm.mu.RLock()
	closed := pm.closed
	pm.mu.RUnlock()
	if closed {
		return ErrPoolClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

// Healthy 返回最近一次后台探活的结果；尚未探活时视为健康
func (pm *PoolManager) Healthy() (bool, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.closed {
		return false, ErrPoolClosed
	}
	return pm.failures == 0, pm.lastErr
}

// Close 停止探活并关闭连接，可重复调用
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	if pm.closed {
		pm.mu.Unlock()
		return nil
	}
	pm.closed = true
	close(pm.done)
	pm.mu.Unlock()

	pm.wg.Wait()
	pm.logger.Info("closing database pool")
	return pm.sqlDB.Close()
}

// =============================================================================
// 🏥 后台探活
// =============================================================================

func (pm *PoolManager) probeLoop() {
	defer pm.wg.Done()

	ticker := time.NewTicker(pm.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.done:
			return
		case <-ticker.C:
			pm.probe()
		}
	}
}

// probe 只在状态翻转时打 Warn/Info，持续失败按 Debug 记录
func (pm *PoolManager) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), pm.pingTimeout)
	defer cancel()
	err := pm.Ping(ctx)

	pm.mu.Lock()
	if pm.closed {
		pm.mu.Unlock()
		return
	}
	prev := pm.failures
	pm.lastCheck = time.Now()
	pm.lastErr = err
	if err != nil {
		pm.failures++
	} else {
		pm.failures = 0
	}
	failures := pm.failures
	pm.mu.Unlock()

	switch {
	case err != nil && prev == 0:
		pm.logger.Warn("database unreachable", zap.Error(err))
		return
	case err != nil:
		pm.logger.Debug("database still unreachable", zap.Int("consecutive_failures", failures), zap.Error(err))
		return
	case prev > 0:
		pm.logger.Info("database reachable again", zap.Int("failed_probes", prev))
	}

	if pm.reportStats != nil {
		pm.reportStats(pm.Stats())
	}
}

// =============================================================================
// 📊 统计
// =============================================================================

// PoolStats sql.DBStats 中注册中心关心的部分
type PoolStats struct {
	MaxOpenConnections  int           `json:"max_open_connections"`
	OpenConnections     int           `json:"open_connections"`
	InUse               int           `json:"in_use"`
	Idle                int           `json:"idle"`
	WaitCount           int64         `json:"wait_count"`
	WaitDuration        time.Duration `json:"wait_duration"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastCheck           time.Time     `json:"last_check,omitempty"`
}

// Stats 返回连接池统计与探活状态
func (pm *PoolManager) Stats() PoolStats {
	s := pm.sqlDB.Stats()
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return PoolStats{
		MaxOpenConnections:  s.MaxOpenConnections,
		OpenConnections:     s.OpenConnections,
		InUse:               s.InUse,
		Idle:                s.Idle,
		WaitCount:           s.WaitCount,
		WaitDuration:        s.WaitDuration,
		ConsecutiveFailures: pm.failures,
		LastCheck:           pm.lastCheck,
	}
}
