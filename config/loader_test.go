// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentregistry/agent/health"
	"github.com/BaSui01/agentregistry/agent/persistence"
)

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	// 不指定配置文件，应该返回默认值
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "memory", cfg.Persistence.Type)
	assert.Equal(t, 30*time.Second, cfg.Registry.Health.CheckInterval)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s

registry:
  health:
    check_interval: 10s
    max_consecutive_failures: 5
    auto_suspend_state: inactive
    sla:
      min_availability: 99.5
  match:
    limit: 5
  terminated_retention: 2h

persistence:
  type: redis
  key_prefix: "reg:"

redis:
  addr: "redis.example.com:6380"
  password: "secret"
  db: 1

log:
  level: "debug"
  format: "console"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// 验证 YAML 值覆盖了默认值
	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, 10*time.Second, cfg.Registry.Health.CheckInterval)
	assert.Equal(t, 5, cfg.Registry.Health.MaxConsecutiveFailures)
	assert.Equal(t, health.StateInactive, cfg.Registry.Health.AutoSuspendState)
	assert.Equal(t, 99.5, cfg.Registry.Health.SLA.MinAvailability)
	assert.Equal(t, 5, cfg.Registry.Match.Limit)
	assert.Equal(t, 2*time.Hour, cfg.Registry.TerminatedRetention)
	// 未指定的字段保留默认值
	assert.Equal(t, 5*time.Second, cfg.Registry.Health.ProbeTimeout)

	assert.Equal(t, "redis", cfg.Persistence.Type)
	assert.Equal(t, "redis.example.com:6380", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	require.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("AGENTREGISTRY_SERVER_HTTP_PORT", "7777")
	t.Setenv("AGENTREGISTRY_REGISTRY_HEALTH_CHECK_INTERVAL", "15s")
	t.Setenv("AGENTREGISTRY_REGISTRY_HEALTH_AUTO_SUSPEND_STATE", "inactive")
	t.Setenv("AGENTREGISTRY_REGISTRY_RESPONSE_TIME_ALPHA", "0.5")
	t.Setenv("AGENTREGISTRY_PERSISTENCE_TYPE", "file")
	t.Setenv("AGENTREGISTRY_REDIS_ADDR", "env-redis:6379")
	t.Setenv("AGENTREGISTRY_LOG_LEVEL", "warn")
	t.Setenv("AGENTREGISTRY_LOG_OUTPUT_PATHS", "stdout, /var/log/registry.log")
	t.Setenv("AGENTREGISTRY_LOG_SAMPLING", "false")
	t.Setenv("AGENTREGISTRY_LOG_LEVEL_ENDPOINT", "true")
	t.Setenv("AGENTREGISTRY_DATABASE_SLOW_QUERY_THRESHOLD", "1s")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, 15*time.Second, cfg.Registry.Health.CheckInterval)
	assert.Equal(t, health.StateInactive, cfg.Registry.Health.AutoSuspendState)
	assert.Equal(t, 0.5, cfg.Registry.ResponseTimeAlpha)
	assert.Equal(t, "file", cfg.Persistence.Type)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, []string{"stdout", "/var/log/registry.log"}, cfg.Log.OutputPaths)
	assert.False(t, cfg.Log.Sampling)
	assert.True(t, cfg.Log.LevelEndpoint)
	assert.Equal(t, time.Second, cfg.Database.SlowQueryThreshold)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
database:
  driver: mysql
  name: registry
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	// 环境变量应该覆盖 YAML
	t.Setenv("AGENTREGISTRY_SERVER_HTTP_PORT", "9999")
	t.Setenv("AGENTREGISTRY_DATABASE_NAME", "env-registry")

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "env-registry", cfg.Database.Name)
	// YAML 值应该保留
	assert.Equal(t, "mysql", cfg.Database.Driver)
}

func TestLoader_NestedEventStreamEnv(t *testing.T) {
	t.Setenv("AGENTREGISTRY_SERVER_EVENTS_ENABLED", "true")
	t.Setenv("AGENTREGISTRY_SERVER_EVENTS_JWT_SECRET", "s3cret")
	t.Setenv("AGENTREGISTRY_REGISTRY_EVENTS_LOG", "true")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.True(t, cfg.Server.Events.Enabled)
	assert.Equal(t, "s3cret", cfg.Server.Events.JWT.Secret)
	assert.Equal(t, 256, cfg.Server.Events.BufferSize)
	assert.True(t, cfg.Registry.Events.Log)
	assert.Equal(t, 1024, cfg.Registry.Events.QueueSize)
	assert.Equal(t, 1, cfg.Registry.Events.Workers)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")

	cfg, err := NewLoader().
		WithEnvPrefix("MYAPP").
		Load()
	require.NoError(t, err)
	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("AGENTREGISTRY_REGISTRY_HEALTH_CHECK_INTERVAL", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENTREGISTRY_REGISTRY_HEALTH_CHECK_INTERVAL")
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("AGENTREGISTRY_SERVER_HTTP_PORT", "80")

	_, err := NewLoader().
		WithValidator(func(cfg *Config) error {
			if cfg.Server.HTTPPort < 1024 {
				return assert.AnError
			}
			return nil
		}).
		Load()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath("/non/existent/path/config.yaml").
		Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	invalidYAML := `
server:
  http_port: [invalid
  this is not valid yaml
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0644))

	_, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	assert.Error(t, err)
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:    "invalid HTTP port",
			modify:  func(c *Config) { c.Server.HTTPPort = 70000 },
			wantErr: "invalid HTTP port",
		},
		{
			name:    "tls cert without key",
			modify:  func(c *Config) { c.Server.TLSCertFile = "/etc/registry/tls.crt" },
			wantErr: "tls_key_file",
		},
		{
			name: "event stream without buffer",
			modify: func(c *Config) {
				c.Server.Events.Enabled = true
				c.Server.Events.BufferSize = 0
			},
			wantErr: "server.events",
		},
		{
			name:    "negative connection limit",
			modify:  func(c *Config) { c.Server.MaxConnections = -1 },
			wantErr: "max_connections",
		},
		{
			name:    "invalid registry",
			modify:  func(c *Config) { c.Registry.Health.CheckInterval = 0 },
			wantErr: "registry",
		},
		{
			name:    "unknown persistence type",
			modify:  func(c *Config) { c.Persistence.Type = "etcd" },
			wantErr: "unsupported persistence type",
		},
		{
			name: "file backend without dir",
			modify: func(c *Config) {
				c.Persistence.Type = "file"
				c.Persistence.BaseDir = ""
			},
			wantErr: "base_dir",
		},
		{
			name: "sql backend with unknown driver",
			modify: func(c *Config) {
				c.Persistence.Type = "sql"
				c.Database.Driver = "oracle"
			},
			wantErr: "unsupported database driver",
		},
		{
			name: "negative slow query threshold",
			modify: func(c *Config) {
				c.Persistence.Type = "sql"
				c.Database.SlowQueryThreshold = -time.Millisecond
			},
			wantErr: "slow_query_threshold",
		},
		{
			name: "mongo backend without uri",
			modify: func(c *Config) {
				c.Persistence.Type = "mongo"
				c.Mongo.URI = ""
			},
			wantErr: "mongo.uri",
		},
		{
			name:    "sample rate out of range",
			modify:  func(c *Config) { c.Telemetry.SampleRate = 2 },
			wantErr: "sample_rate",
		},
		{
			name: "telemetry enabled without endpoint",
			modify: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.OTLPEndpoint = ""
			},
			wantErr: "otlp_endpoint",
		},
		{
			name:    "negative export interval",
			modify:  func(c *Config) { c.Telemetry.ExportInterval = -time.Second },
			wantErr: "export_interval",
		},
		{
			name:    "negative event workers",
			modify:  func(c *Config) { c.Registry.Events.Workers = -1 },
			wantErr: "events.workers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateAggregates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Persistence.Type = "etcd"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port")
	assert.Contains(t, err.Error(), "unsupported persistence type")
}

func TestConfig_StoreConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Persistence.Type = "redis"
	cfg.Redis.Addr = "cache.internal:6380"
	cfg.Redis.DB = 2
	cfg.Redis.TLS = true

	sc := cfg.StoreConfig()
	assert.True(t, sc.Redis.TLS)
	assert.Equal(t, persistence.StoreTypeRedis, sc.Type)
	assert.Equal(t, "cache.internal", sc.Redis.Host)
	assert.Equal(t, 6380, sc.Redis.Port)
	assert.Equal(t, 2, sc.Redis.DB)
	assert.Equal(t, "agentregistry:", sc.Redis.KeyPrefix)
	assert.Equal(t, 3, sc.Retry.MaxRetries)
	assert.Equal(t, "agentregistry", sc.Mongo.Database)

	cfg.Redis.Addr = "cache.internal"
	sc = cfg.StoreConfig()
	assert.Equal(t, "cache.internal", sc.Redis.Host)
	assert.Equal(t, 6379, sc.Redis.Port)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres DSN",
			config: DatabaseConfig{
				Driver:   "postgres",
				Host:     "localhost",
				Port:     5432,
				User:     "user",
				Password: "pass",
				Name:     "dbname",
				SSLMode:  "disable",
			},
			expected: "host=localhost port=5432 user=user password=pass dbname=dbname sslmode=disable",
		},
		{
			name: "mysql DSN",
			config: DatabaseConfig{
				Driver:   "mysql",
				Host:     "localhost",
				Port:     3306,
				User:     "user",
				Password: "pass",
				Name:     "dbname",
			},
			expected: "user:pass@tcp(localhost:3306)/dbname?parseTime=true",
		},
		{
			name:     "sqlite DSN",
			config:   DatabaseConfig{Driver: "sqlite", Name: "/path/to/db.sqlite"},
			expected: "/path/to/db.sqlite",
		},
		{
			name:     "unknown driver",
			config:   DatabaseConfig{Driver: "unknown"},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

// --- 加载选项测试 ---

func TestLoader_StrictRejectsUnknownKeys(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  http_prot: 9000\n"), 0o600))

	// 非严格模式忽略拼错的键
	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)

	_, err = NewLoader().WithConfigPath(configPath).WithStrict().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http_prot")
}

func TestLoader_EmptyFileKeepsDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(configPath, nil, 0o600))

	cfg, err := NewLoader().WithConfigPath(configPath).WithStrict().Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_ExpandEnvAndOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
redis:
  password: ${REDIS_PASSWORD}
server:
  events:
    jwt:
      secret: ${EVENTS_SECRET}
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o600))

	env := map[string]string{
		"REDIS_PASSWORD":                 "hunter2",
		"EVENTS_SECRET":                  "s3cret",
		"AGENTREGISTRY_PERSISTENCE_TYPE": "redis",
		"AGENTREGISTRY_LOG_OUTPUT_PATHS": "stdout,,stderr",
		"AGENTREGISTRY_SERVER_HTTP_PORT": "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	l := NewLoader().WithConfigPath(configPath).WithExpandEnv().WithEnvLookup(lookup)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "hunter2", cfg.Redis.Password)
	assert.Equal(t, "s3cret", cfg.Server.Events.JWT.Secret)
	assert.Equal(t, "redis", cfg.Persistence.Type)
	assert.Equal(t, []string{"stdout", "stderr"}, cfg.Log.OutputPaths)
	// 空值不算覆盖
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.ElementsMatch(t, []string{
		"AGENTREGISTRY_PERSISTENCE_TYPE",
		"AGENTREGISTRY_LOG_OUTPUT_PATHS",
	}, l.Overrides())

	// 不展开时占位符原样保留
	cfg, err = NewLoader().WithConfigPath(configPath).WithEnvLookup(lookup).Load()
	require.NoError(t, err)
	assert.Equal(t, "${REDIS_PASSWORD}", cfg.Redis.Password)
}
