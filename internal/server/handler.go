package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReadinessCheck 是 /readyz 的一项依赖检查，例如持久化后端的 Ping
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// BuildInfo 由 /healthz 与 /version 返回
type BuildInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// OpsConfig 配置运维端点
type OpsConfig struct {
	Build BuildInfo
	// Gatherer 为空时使用 prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer
	Checks   []ReadinessCheck
	// CheckTimeout 单项检查超时，默认 2s
	CheckTimeout time.Duration
	// Events 非空时挂载到 GET /events
	Events http.Handler
	// LogLevel 非空时挂载到 /loglevel，通常是 zap.AtomicLevel
	LogLevel http.Handler
}

type readinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewOpsHandler 返回提供 /healthz、/readyz、/version、/metrics（以及可选 /events）的路由
func NewOpsHandler(cfg OpsConfig, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "ops_handler"))
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 2 * time.Second
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": cfg.Build.Version})
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cfg.Build)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		resp := runChecks(r.Context(), cfg.Checks, cfg.CheckTimeout)
		status := http.StatusOK
		if resp.Status != "ready" {
			status = http.StatusServiceUnavailable
			logger.Warn("readiness check failed", zap.Any("checks", resp.Checks))
		}
		writeJSON(w, status, resp)
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(logger),
	}))
	if cfg.Events != nil {
		mux.Handle("GET /events", cfg.Events)
	}
	if cfg.LogLevel != nil {
		mux.Handle("GET /loglevel", cfg.LogLevel)
		mux.Handle("PUT /loglevel", cfg.LogLevel)
	}
	return mux
}

// runChecks 并发执行全部检查，单项失败不影响其他检查
func runChecks(ctx context.Context, checks []ReadinessCheck, timeout time.Duration) readinessResponse {
	resp := readinessResponse{Status: "ready", Checks: make(map[string]string, len(checks))}
	var mu sync.Mutex
	var g errgroup.Group
	for _, c := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			result := "ok"
			if err := c.Check(cctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			resp.Checks[c.Name] = result
			if result != "ok" {
				resp.Status = "not_ready"
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
