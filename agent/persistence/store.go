package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/BaSui01/agentregistry/agent/discovery"
	"github.com/BaSui01/agentregistry/agent/health"
	"github.com/BaSui01/agentregistry/types"
)

var (
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType 持久化后端名，对应 persistence.type
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQL    StoreType = "sql"
	StoreTypeMongo  StoreType = "mongo"
)

// RetryConfig 网络后端写失败时的指数退避。
// 写入发生在单个 agent 的锁内，所以默认退避很短。
type RetryConfig struct {
	MaxRetries        int           `json:"max_retries" yaml:"max_retries"` // 0 表示不重试
	InitialBackoff    time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff        time.Duration `json:"max_backoff" yaml:"max_backoff"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	// Jitter 退避时长的随机浮动比例，0 到 1；0 时退避序列固定
	Jitter float64 `json:"jitter" yaml:"jitter"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            0.2,
	}
}

// NewBackOff 按配置生成一次重试序列使用的退避器，已 Reset
func (c RetryConfig) NewBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.InitialBackoff,
		RandomizationFactor: min(max(c.Jitter, 0), 1),
		Multiplier:          c.BackoffMultiplier,
		MaxInterval:         max(c.MaxBackoff, c.InitialBackoff),
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.Reset()
	return b
}

// StoreConfig 各后端共用的配置；只有 Type 对应的那一段会被读取
type StoreConfig struct {
	Type    StoreType        `json:"type" yaml:"type"`
	BaseDir string           `json:"base_dir" yaml:"base_dir"` // file
	Redis   RedisStoreConfig `json:"redis" yaml:"redis"`
	SQL     SQLStoreConfig   `json:"sql" yaml:"sql"`
	Mongo   MongoStoreConfig `json:"mongo" yaml:"mongo"`
	// Retry 只作用于 redis、sql、mongo
	Retry RetryConfig `json:"retry" yaml:"retry"`
}

type RedisStoreConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	Password     string `json:"password" yaml:"password"`
	DB           int    `json:"db" yaml:"db"`
	PoolSize     int    `json:"pool_size" yaml:"pool_size"`
	MinIdleConns int    `json:"min_idle_conns" yaml:"min_idle_conns"`
	TLS          bool   `json:"tls" yaml:"tls"`
	KeyPrefix    string `json:"key_prefix" yaml:"key_prefix"`
}

// SQLStoreConfig 连接由 Dependencies.DB 提供。
// AutoMigrate 为 true 时用 GORM 建表，否则依赖内嵌的 SQL 迁移。
type SQLStoreConfig struct {
	AutoMigrate bool `json:"auto_migrate" yaml:"auto_migrate"`
}

type MongoStoreConfig struct {
	URI      string        `json:"uri" yaml:"uri"`
	Database string        `json:"database" yaml:"database"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultStoreConfig 默认内存后端，其余各段给出本地开发地址
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:    StoreTypeMemory,
		BaseDir: "./data/registry",
		Redis: RedisStoreConfig{
			Host:      "localhost",
			Port:      6379,
			PoolSize:  10,
			KeyPrefix: "agentregistry:",
		},
		Mongo: MongoStoreConfig{
			URI:      "mongodb://localhost:27017",
			Database: "agentregistry",
			Timeout:  10 * time.Second,
		},
		Retry: DefaultRetryConfig(),
	}
}

// Store 在 discovery.Persistence 之上增加资源释放与连通性检查
type Store interface {
	discovery.Persistence
	Close() error
	Ping(ctx context.Context) error
}

// =============================================================================
// 编解码
// =============================================================================

func encodeRegistration(reg *discovery.AgentRegistration) ([]byte, error) {
	if reg == nil || reg.AgentID == "" || reg.Manifest == nil {
		return nil, fmt.Errorf("%w: registration without agent id or manifest", ErrInvalidInput)
	}
	return json.Marshal(reg)
}

func decodeRegistration(data []byte) (*discovery.AgentRegistration, error) {
	var reg discovery.AgentRegistration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("decode registration: %w", err)
	}
	return &reg, nil
}

func encodeLifecycle(lc *health.Lifecycle) ([]byte, error) {
	if lc == nil || lc.AgentID == "" {
		return nil, fmt.Errorf("%w: lifecycle without agent id", ErrInvalidInput)
	}
	return json.Marshal(lc)
}

func decodeLifecycle(data []byte) (*health.Lifecycle, error) {
	var lc health.Lifecycle
	if err := json.Unmarshal(data, &lc); err != nil {
		return nil, fmt.Errorf("decode lifecycle: %w", err)
	}
	return &lc, nil
}

// validID rejects ids that cannot be used as keys or file names.
func validID(agentID string) error {
	if agentID == "" || strings.ContainsAny(agentID, `/\`) || agentID == "." || agentID == ".." {
		return fmt.Errorf("%w: agent id %q", ErrInvalidInput, agentID)
	}
	return nil
}

// backendError wraps a backend failure. Failures of the backend itself are
// retryable; bad input is not.
func backendError(op, agentID string, err error) error {
	if err == nil {
		return nil
	}
	permanent := errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrStoreClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	return types.Errorf(types.ErrPersistenceFailure, "%s failed", op).
		WithAgent(agentID).
		WithCause(err).
		WithRetryable(types.ErrPersistenceFailure.Transient() && !permanent)
}
