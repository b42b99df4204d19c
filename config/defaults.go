package config

import (
	"time"

	"github.com/BaSui01/agentregistry/agent/discovery"
	"github.com/BaSui01/agentregistry/agent/persistence"
)

// 本地开发环境的默认地址，部署时通过 YAML 或 AGENTREGISTRY_* 环境变量覆盖
const (
	defaultHTTPPort     = 8080
	defaultRedisAddr    = "localhost:6379"
	defaultPostgresPort = 5432
	defaultMongoURI     = "mongodb://localhost:27017"
	defaultOTLPEndpoint = "localhost:4317"
	defaultServiceName  = "agentregistry"
)

// DefaultConfig 各段默认值的组合；持久化默认使用内存后端，无需任何外部依赖即可启动
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Registry:    discovery.DefaultConfig(),
		Persistence: DefaultPersistenceConfig(),
		Redis:       DefaultRedisConfig(),
		Database:    DefaultDatabaseConfig(),
		Mongo:       DefaultMongoConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        defaultHTTPPort,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		Events:          EventStreamConfig{BufferSize: 256, WriteTimeout: 10 * time.Second},
	}
}

// DefaultPersistenceConfig 从 persistence.DefaultStoreConfig 派生，两处默认值保持一致
func DefaultPersistenceConfig() PersistenceConfig {
	store := persistence.DefaultStoreConfig()
	return PersistenceConfig{
		Type:           string(store.Type),
		BaseDir:        store.BaseDir,
		KeyPrefix:      store.Redis.KeyPrefix,
		AutoMigrate:    store.SQL.AutoMigrate,
		MaxRetries:     store.Retry.MaxRetries,
		InitialBackoff: store.Retry.InitialBackoff,
		MaxBackoff:     store.Retry.MaxBackoff,
	}
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{Addr: defaultRedisAddr, PoolSize: 10, MinIdleConns: 2}
}

// DefaultDatabaseConfig 连接池上限偏保守，注册表写入量很小
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            defaultPostgresPort,
		User:            defaultServiceName,
		Name:            defaultServiceName,
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,

		SlowQueryThreshold: 200 * time.Millisecond,
	}
}

func DefaultMongoConfig() MongoConfig {
	return MongoConfig{URI: defaultMongoURI, Database: defaultServiceName, Timeout: 10 * time.Second}
}

// DefaultLogConfig JSON 输出到 stdout，开启采样；/loglevel 端点默认关闭
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
		Sampling:     true,
	}
}

// DefaultTelemetryConfig 默认关闭；开启后以 10% 采样率导出到本地 collector
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		OTLPEndpoint:   defaultOTLPEndpoint,
		ServiceName:    defaultServiceName,
		SampleRate:     0.1,
		Insecure:       true,
		ExportInterval: 30 * time.Second,
	}
}
