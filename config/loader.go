// =============================================================================
// 📦 AgentRegistry 配置结构
// =============================================================================
// 各子系统的配置、聚合校验，以及到 persistence.StoreConfig 的转换。
// 加载流程见 load.go。
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/agentregistry/agent/discovery"
	"github.com/BaSui01/agentregistry/agent/persistence"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 AgentRegistry 的完整配置结构
type Config struct {
	// Server HTTP 服务配置（健康检查与指标端点）
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Registry 注册中心配置（健康监控、SLA、评分策略）
	Registry discovery.Config `yaml:"registry" env:"REGISTRY"`

	// Persistence 持久化后端选择
	Persistence PersistenceConfig `yaml:"persistence" env:"PERSISTENCE"`

	// Redis 配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Mongo MongoDB 配置
	Mongo MongoConfig `yaml:"mongo" env:"MONGO"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// TLS 证书与私钥，同时配置时以 HTTPS 提供运维端点
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
	// 最大并发连接数，0 表示不限制
	MaxConnections int `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	// /events 事件流
	Events EventStreamConfig `yaml:"events" env:"EVENTS"`
}

// EventStreamConfig /events WebSocket 事件流配置
type EventStreamConfig struct {
	// 是否开放 /events
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 每个连接的待发送事件缓冲，满时丢弃
	BufferSize int `yaml:"buffer_size" env:"BUFFER_SIZE"`
	// 单条事件写超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// JWT 鉴权，Secret 为空时不鉴权
	JWT JWTConfig `yaml:"jwt" env:"JWT"`
}

// JWTConfig HS256 令牌校验配置
type JWTConfig struct {
	Secret   string `yaml:"secret" env:"SECRET"`
	Issuer   string `yaml:"issuer" env:"ISSUER"`
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// PersistenceConfig 持久化配置
type PersistenceConfig struct {
	// 后端类型: memory, file, redis, sql, mongo
	Type string `yaml:"type" env:"TYPE"`
	// 文件后端的根目录
	BaseDir string `yaml:"base_dir" env:"BASE_DIR"`
	// Redis 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// SQL 后端是否使用 GORM AutoMigrate
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
	// 写入失败的最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 初始退避
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	// 最大退避
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 连接最大空闲时间
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	// 慢查询阈值，超过时记 Warn 日志；0 关闭
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" env:"SLOW_QUERY_THRESHOLD"`
}

// MongoConfig MongoDB 配置
type MongoConfig struct {
	// 连接 URI
	URI string `yaml:"uri" env:"URI"`
	// 数据库名
	Database string `yaml:"database" env:"DATABASE"`
	// 连接超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
	// 按消息采样，高频重复日志每秒只保留一部分
	Sampling bool `yaml:"sampling" env:"SAMPLING"`
	// 在运维端口挂载 /loglevel（GET 查询、PUT 修改级别）
	LevelEndpoint bool `yaml:"level_endpoint" env:"LEVEL_ENDPOINT"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 明文 gRPC；指向带 TLS 的 collector 时关闭
	Insecure bool `yaml:"insecure" env:"INSECURE"`
	// 指标导出周期，0 使用 SDK 默认值（60s）
	ExportInterval time.Duration `yaml:"export_interval" env:"EXPORT_INTERVAL"`
}

// Validate 验证配置，聚合所有错误
func (c *Config) Validate() error {
	var errs []error

	// 验证服务器配置
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("server.tls_cert_file and server.tls_key_file must be set together"))
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, errors.New("invalid HTTP port"))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	if ev := c.Server.Events; ev.Enabled && (ev.BufferSize < 1 || ev.WriteTimeout <= 0) {
		errs = append(errs, errors.New("server.events.buffer_size and write_timeout must be positive"))
	}

	// 验证注册中心配置
	if err := c.Registry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("registry: %w", err))
	}

	// 验证持久化配置
	switch persistence.StoreType(c.Persistence.Type) {
	case persistence.StoreTypeMemory:
	case persistence.StoreTypeFile:
		if c.Persistence.BaseDir == "" {
			errs = append(errs, errors.New("persistence.base_dir is required for the file backend"))
		}
	case persistence.StoreTypeRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis backend"))
		}
	case persistence.StoreTypeSQL:
		if c.Database.DSN() == "" {
			errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
		}
		if c.Database.SlowQueryThreshold < 0 {
			errs = append(errs, errors.New("database.slow_query_threshold must not be negative"))
		}
	case persistence.StoreTypeMongo:
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			errs = append(errs, errors.New("mongo.uri and mongo.database are required for the mongo backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported persistence type %q", c.Persistence.Type))
	}
	if c.Persistence.MaxRetries < 0 {
		errs = append(errs, errors.New("persistence.max_retries must not be negative"))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, errors.New("telemetry.sample_rate must be between 0 and 1"))
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, errors.New("telemetry.otlp_endpoint is required when telemetry is enabled"))
	}
	if c.Telemetry.ExportInterval < 0 {
		errs = append(errs, errors.New("telemetry.export_interval must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %w", errors.Join(errs...))
	}

	return nil
}

// StoreConfig 组装持久化后端配置
func (c *Config) StoreConfig() persistence.StoreConfig {
	host, port := splitHostPort(c.Redis.Addr, 6379)
	return persistence.StoreConfig{
		Type:    persistence.StoreType(c.Persistence.Type),
		BaseDir: c.Persistence.BaseDir,
		Redis: persistence.RedisStoreConfig{
			Host:         host,
			Port:         port,
			Password:     c.Redis.Password,
			DB:           c.Redis.DB,
			PoolSize:     c.Redis.PoolSize,
			MinIdleConns: c.Redis.MinIdleConns,
			TLS:          c.Redis.TLS,
			KeyPrefix:    c.Persistence.KeyPrefix,
		},
		SQL: persistence.SQLStoreConfig{AutoMigrate: c.Persistence.AutoMigrate},
		Mongo: persistence.MongoStoreConfig{
			URI:      c.Mongo.URI,
			Database: c.Mongo.Database,
			Timeout:  c.Mongo.Timeout,
		},
		Retry: persistence.RetryConfig{
			MaxRetries:        c.Persistence.MaxRetries,
			InitialBackoff:    c.Persistence.InitialBackoff,
			MaxBackoff:        c.Persistence.MaxBackoff,
			BackoffMultiplier: 2,
			Jitter:            persistence.DefaultRetryConfig().Jitter,
		},
	}
}

func splitHostPort(addr string, defaultPort int) (string, int) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return addr, defaultPort
	}
	port, err := strconv.Atoi(addr[i+1:])
	if err != nil {
		return addr[:i], defaultPort
	}
	return addr[:i], port
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
