package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentregistry/config"
	"github.com/BaSui01/agentregistry/internal/metrics"
	"github.com/BaSui01/agentregistry/testutil/fixtures"
)

func newTestCollector() *metrics.Collector {
	return metrics.NewCollector("agentregistry_test", zap.NewNop(), metrics.WithRegistry(prometheus.NewRegistry()))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRun_Dispatch(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantOut  string
		wantErr  string
	}{
		{name: "no args", args: nil, wantCode: 1, wantErr: "Usage:"},
		{name: "help", args: []string{"help"}, wantCode: 0, wantOut: "Usage:"},
		{name: "version", args: []string{"version"}, wantCode: 0, wantOut: "AgentRegistry dev"},
		{name: "unknown", args: []string{"bogus"}, wantCode: 1, wantErr: "Unknown command: bogus"},
		{name: "validate without files", args: []string{"validate"}, wantCode: 1, wantErr: "at least one manifest"},
		{name: "migrate without subcommand", args: []string{"migrate"}, wantCode: 1, wantErr: "missing migrate subcommand"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(tt.args, &stdout, &stderr)
			assert.Equal(t, tt.wantCode, code)
			if tt.wantOut != "" {
				assert.Contains(t, stdout.String(), tt.wantOut)
			}
			if tt.wantErr != "" {
				assert.Contains(t, stderr.String(), tt.wantErr)
			}
		})
	}
}

func TestInitLogger_Level(t *testing.T) {
	logger, level := initLogger(config.LogConfig{Level: "warn", Format: "json"})
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))

	// 运行时调整对已构建的 logger 生效
	level.SetLevel(zap.DebugLevel)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger, _ = initLogger(config.LogConfig{Level: "debug", Format: "console"})
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestInitLogger_UnwritableOutputFallsBack(t *testing.T) {
	logger, level := initLogger(config.LogConfig{
		Level:       "error",
		OutputPaths: []string{filepath.Join(t.TempDir(), "missing", "dir", "registry.log")},
	})
	require.NotNil(t, logger)
	assert.Equal(t, zap.InfoLevel, level.Level())
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.yaml", fixtures.ManifestYAML)
	unknownField := writeFile(t, dir, "bad.yaml", "id: broken\nbogus: 1\n")
	noDomains := writeFile(t, dir, "empty.yaml", "id: empty-v1\ntype: worker\nversion: 1.0.0\ncapabilities:\n  domains: []\n")

	var out bytes.Buffer
	require.NoError(t, runValidate([]string{good}, &out))
	assert.Contains(t, out.String(), "OK   "+good)

	out.Reset()
	err := runValidate([]string{good, unknownField, noDomains}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 3 manifests invalid")
	assert.Contains(t, out.String(), "FAIL "+unknownField)
	assert.Contains(t, out.String(), "FAIL "+noDomains)
}

func TestRunHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/readyz" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not_ready"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, runHealthCheck([]string{"--addr", srv.URL}, &out))
	assert.Equal(t, "OK\n", out.String())

	err := runHealthCheck([]string{"--addr", srv.URL, "--ready"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestParseInterleaved(t *testing.T) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	db := fs.String("db-url", "", "")

	pos, err := parseInterleaved(fs, []string{"steps", "-1", "--db-url", "file:x.db"})
	require.NoError(t, err)
	assert.Equal(t, []string{"steps", "-1"}, pos)
	assert.Equal(t, "file:x.db", *db)

	pos, err = parseInterleaved(fs, []string{"--db-url=y", "up"})
	require.NoError(t, err)
	assert.Equal(t, []string{"up"}, pos)
	assert.Equal(t, "y", *db)
}

func TestRunMigrate_SQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "registry.db")
	url := "file:" + dbPath + "?mode=rwc"

	var out bytes.Buffer
	require.NoError(t, runMigrate([]string{"up", "--db-type", "sqlite", "--db-url", url}, &out))

	out.Reset()
	require.NoError(t, runMigrate([]string{"--db-type", "sqlite", "--db-url", url, "version"}, &out))
	assert.Contains(t, out.String(), "Current version: 1")

	out.Reset()
	require.NoError(t, runMigrate([]string{"down", "--db-type", "sqlite", "--db-url", url}, &out))
	require.NoError(t, runMigrate([]string{"version", "--db-type", "sqlite", "--db-url", url}, &out))
	assert.Contains(t, out.String(), "No migrations applied yet.")
}

func TestApp_StartRegisterShutdown(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Persistence.Type = "memory"
	cfg.Registry.Events.Log = true

	a, err := newApp(cfg, zaptest.NewLogger(t), zap.NewAtomicLevel(), newTestCollector())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.start(ctx))
	defer func() { assert.NoError(t, a.shutdown(context.Background())) }()

	dir := t.TempDir()
	writeFile(t, dir, "api.yaml", fixtures.ManifestYAML)
	writeFile(t, dir, "docs.yaml", `id: worker-docs-v1
type: worker
version: 1.2.0
metadata:
  labels:
    tenant: acme
capabilities:
  domains: [documentation]
performance:
  throughput: 20
  latency_p50: 40
  latency_p95: 90
  latency_p99: 120
protocols:
  - name: http
    endpoint: http://worker-docs.local:8080
`)

	require.NoError(t, a.registerManifests(ctx, dir, "team-a"))

	api, err := a.service.GetAgent(ctx, "worker-api-v1")
	require.NoError(t, err)
	assert.Equal(t, "team-a", api.Tenant)
	docs, err := a.service.GetAgent(ctx, "worker-docs-v1")
	require.NoError(t, err)
	assert.Equal(t, "acme", docs.Tenant)

	// 重复注册按已存在跳过
	require.NoError(t, a.registerManifests(ctx, dir, "team-a"))
	assert.Equal(t, 2, a.service.Store().Len())

	_, port, err := net.SplitHostPort(a.http.Addr())
	require.NoError(t, err)
	resp, err := http.Get("http://127.0.0.1:" + port + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Zero(t, a.events.Dropped())

	// /metrics 读取 collector 自己的 registry
	mresp, err := http.Get("http://127.0.0.1:" + port + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "agentregistry_test_registrations_total")
}
