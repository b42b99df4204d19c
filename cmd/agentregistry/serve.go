package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/BaSui01/agentregistry/agent/discovery"
	"github.com/BaSui01/agentregistry/agent/persistence"
	"github.com/BaSui01/agentregistry/config"
	"github.com/BaSui01/agentregistry/internal/database"
	"github.com/BaSui01/agentregistry/internal/metrics"
	"github.com/BaSui01/agentregistry/internal/server"
	"github.com/BaSui01/agentregistry/internal/telemetry"
	"github.com/BaSui01/agentregistry/manifest"
	"github.com/BaSui01/agentregistry/types"
)

const metricsNamespace = "agentregistry"

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	manifestDir := fs.String("manifests", "", "Directory of manifests to register at startup")
	tenant := fs.String("tenant", "", "Tenant for manifests without a tenant label")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, overrides, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger, level := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting AgentRegistry",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)
	if len(overrides) > 0 {
		logger.Info("config overridden from environment", zap.Strings("keys", overrides))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go exitOnSignalTwice(ctx, logger)

	a, err := newApp(cfg, logger, level, metrics.NewCollector(metricsNamespace, logger))
	if err != nil {
		return err
	}

	if err := a.start(ctx); err != nil {
		_ = a.shutdown(context.Background())
		return err
	}
	if *manifestDir != "" {
		if err := a.registerManifests(ctx, *manifestDir, *tenant); err != nil {
			_ = a.shutdown(context.Background())
			return err
		}
	}

	serveErr := a.http.Wait(ctx)
	if err := a.shutdown(context.Background()); err != nil {
		logger.Error("shutdown finished with errors", zap.Error(err))
	}
	logger.Info("AgentRegistry stopped")
	return serveErr
}

// app 持有进程内全部组件，关闭顺序与创建顺序相反
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	collector *metrics.Collector
	otel      *telemetry.Providers
	db        *database.PoolManager
	store     persistence.Store
	events    *discovery.AsyncNotifier
	service   *discovery.Service
	stream    *server.EventStream
	http      *server.Manager
}

func newApp(cfg *config.Config, logger *zap.Logger, level zap.AtomicLevel, collector *metrics.Collector) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, collector: collector}
	defer func() {
		if err != nil {
			_ = a.shutdown(context.Background())
		}
	}()

	a.otel, err = telemetry.Init(cfg.Telemetry, logger,
		telemetry.WithServiceVersion(Version),
		telemetry.WithInstanceID(instanceID()),
	)
	if err != nil {
		logger.Warn("failed to initialize telemetry, tracing disabled", zap.Error(err))
		a.otel = &telemetry.Providers{}
	}

	deps, err := a.openBackends()
	if err != nil {
		return a, err
	}

	store, err := persistence.NewStore(cfg.StoreConfig(), deps, logger)
	if err != nil {
		return a, fmt.Errorf("failed to create registry store: %w", err)
	}
	a.store = store

	opts := []discovery.Option{
		discovery.WithPersistence(a.store),
		discovery.WithRecorder(collector),
		discovery.WithTracerProvider(a.otel.TracerProvider()),
	}
	if cfg.Registry.Events.Log {
		a.events = discovery.NewAsyncNotifier(discovery.NewLogNotifier(logger), cfg.Registry.Events, logger)
		opts = append(opts, discovery.WithNotifier(a.events))
	}
	svc, err := discovery.NewService(cfg.Registry, logger, opts...)
	if err != nil {
		return a, err
	}
	a.service = svc
	if err := a.otel.ObserveAgents(a.countByStatus); err != nil {
		logger.Warn("failed to register agent gauge", zap.Error(err))
	}

	ops := server.OpsConfig{
		Build:    server.BuildInfo{Version: Version, BuildTime: BuildTime, GitCommit: GitCommit},
		Gatherer: collector.Gatherer(),
		Checks:   a.readinessChecks(),
	}
	if cfg.Log.LevelEndpoint {
		ops.LogLevel = level
	}
	if ev := cfg.Server.Events; ev.Enabled {
		a.stream = server.NewEventStream(a.service, ev, logger)
		var h http.Handler = a.stream
		if ev.JWT.Secret != "" {
			h = server.JWTAuth(ev.JWT, logger)(h)
		}
		ops.Events = h
	}

	handler := server.Chain(
		server.NewOpsHandler(ops, logger),
		server.Recovery(logger),
		server.RequestID(),
		server.SecurityHeaders(),
		server.Tracing(a.otel.TracerProvider()),
		server.Metrics(collector),
		server.RequestLogger(logger),
	)
	a.http = server.NewManager(handler, server.ConfigFromServer(cfg.Server), logger)
	return a, nil
}

// openBackends 打开需要与其他组件共享的连接。Redis 与 Mongo 客户端由
// persistence.NewStore 自行创建并在 Store.Close 时关闭。
func (a *app) openBackends() (persistence.Dependencies, error) {
	var deps persistence.Dependencies
	if persistence.StoreType(a.cfg.Persistence.Type) != persistence.StoreTypeSQL {
		return deps, nil
	}
	pm, err := database.Open(a.cfg.Database, a.logger, database.WithStatsReporter(func(s database.PoolStats) {
		a.collector.RecordDBConnections(a.cfg.Database.Driver, s.OpenConnections, s.InUse, s.Idle)
	}))
	if err != nil {
		return deps, err
	}
	a.db = pm
	deps.DB = pm.DB()
	return deps, nil
}

func (a *app) readinessChecks() []server.ReadinessCheck {
	checks := []server.ReadinessCheck{
		{Name: "registry", Check: func(context.Context) error {
			if !a.service.Running() {
				return errors.New("registry service not running")
			}
			return nil
		}},
		{Name: "persistence", Check: func(ctx context.Context) error { return a.store.Ping(ctx) }},
	}
	if a.db != nil {
		checks = append(checks, server.ReadinessCheck{Name: "database", Check: a.db.Ping})
	}
	return checks
}

// start 恢复持久化状态、启动后台任务，然后开放运维端点
func (a *app) start(ctx context.Context) error {
	if err := a.service.Start(ctx); err != nil {
		return err
	}
	a.collector.SetRegisteredAgents(a.service.Store().Len())
	return a.http.Start()
}

// countByStatus 按服务状态统计当前注册表
func (a *app) countByStatus() map[string]int {
	counts := make(map[string]int)
	for _, reg := range a.service.Store().Snapshot(discovery.ListOptions{}) {
		counts[string(reg.Status)]++
	}
	return counts
}

// instanceID 用主机名区分副本，取不到时留空
func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}

// registerManifests 注册目录中的清单；已恢复的智能体跳过
func (a *app) registerManifests(ctx context.Context, dir, defaultTenant string) error {
	manifests, err := manifest.LoadDir(dir)
	if err != nil {
		return err
	}

	var errs []error
	registered, skipped := 0, 0
	for _, mf := range manifests {
		tenant := defaultTenant
		if t := mf.Metadata.Labels["tenant"]; t != "" {
			tenant = t
		}
		_, err := a.service.Register(ctx, mf, discovery.RegisterOptions{Tenant: tenant})
		switch {
		case err == nil:
			registered++
		case types.IsErrorCode(err, types.ErrDuplicateAgent):
			skipped++
			a.logger.Debug("manifest already registered", zap.String("agent_id", mf.ID))
		default:
			errs = append(errs, fmt.Errorf("register %s: %w", mf.ID, err))
		}
	}

	a.logger.Info("manifests loaded",
		zap.String("dir", dir),
		zap.Int("registered", registered),
		zap.Int("skipped", skipped),
		zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// shutdown 按依赖逆序关闭，汇总所有错误
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.stream != nil {
		errs = append(errs, a.stream.Close(ctx))
	}
	if a.http != nil {
		errs = append(errs, a.http.Shutdown(ctx))
	}
	if a.service != nil {
		errs = append(errs, a.service.Stop(ctx))
	}
	if a.events != nil {
		errs = append(errs, a.events.Close(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.otel != nil {
		errs = append(errs, a.otel.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// exitOnSignalTwice 第二次信号直接退出，避免关闭卡住
func exitOnSignalTwice(ctx context.Context, logger *zap.Logger) {
	<-ctx.Done()
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	logger.Warn("second signal received, exiting immediately")
	os.Exit(1)
}
