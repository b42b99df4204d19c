package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentregistry/config"
)

// instrumentationName 注册中心自有指标使用的 Meter 名称
const instrumentationName = "github.com/BaSui01/agentregistry"

// =============================================================================
// ⚙️ 选项
// =============================================================================

type options struct {
	version    string
	instanceID string
	attrs      []attribute.KeyValue
}

// Option 调整导出资源上的服务元数据
type Option func(*options)

// WithServiceVersion 设置 service.version，未设置时为 "dev"
func WithServiceVersion(v string) Option {
	return func(o *options) {
		if v != "" {
			o.version = v
		}
	}
}

// WithInstanceID 设置 service.instance.id，多副本部署时用于区分进程
func WithInstanceID(id string) Option {
	return func(o *options) { o.instanceID = id }
}

// WithAttributes 附加资源属性，例如 deployment.environment
func WithAttributes(kv ...attribute.KeyValue) Option {
	return func(o *options) { o.attrs = append(o.attrs, kv...) }
}

// =============================================================================
// 📡 Providers
// =============================================================================

// Providers 持有 SDK 的 TracerProvider 与 MeterProvider。
// 遥测禁用时两者均为 nil，所有方法退化为空操作。
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider

	mu   sync.Mutex
	regs []metric.Registration
}

// Init 按配置初始化 OTLP gRPC 导出并注册为全局 provider。
// cfg.Enabled 为 false 时不连接任何外部服务。
func Init(cfg config.TelemetryConfig, logger *zap.Logger, opts ...Option) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "telemetry"))
	if !cfg.Enabled {
		logger.Info("telemetry disabled, using noop providers")
		return &Providers{}, nil
	}

	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	ctx := context.Background()
	res, err := newResource(ctx, cfg.ServiceName, o)
	if err != nil {
		return nil, err
	}
	spanExp, metricExp, err := newExporters(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.ExportInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.ExportInterval))
	}
	p := &Providers{
		tp: sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(spanExp),
			// 上游已采样的请求保持采样，根 span 按比例采样
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
		),
		mp: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, readerOpts...)),
		),
	}

	// 导出失败等 SDK 内部错误默认写到标准库 log，这里改走 zap
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.Warn("otel sdk error", zap.Error(err))
	}))
	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.String("service_version", o.version),
		zap.Bool("insecure", cfg.Insecure),
		zap.Float64("sample_rate", cfg.SampleRate),
		zap.Duration("export_interval", cfg.ExportInterval),
	)
	return p, nil
}

// newExporters 两个导出器共用同一个 collector 地址；第二个创建失败时关闭第一个
func newExporters(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, sdkmetric.Exporter, error) {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spanExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spanExp.Shutdown(ctx)
		return nil, nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	return spanExp, metricExp, nil
}

func newResource(ctx context.Context, serviceName string, o options) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(o.version),
	}
	if o.instanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(o.instanceID))
	}
	attrs = append(attrs, o.attrs...)

	// OTEL_RESOURCE_ATTRIBUTES 先合并，代码里给出的属性优先
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}
	return res, nil
}

// TracerProvider 返回注册中心 span 的目标 provider。
// 遥测禁用时回落到全局 provider。
func (p *Providers) TracerProvider() trace.TracerProvider {
	if p == nil || p.tp == nil {
		return otel.GetTracerProvider()
	}
	return p.tp
}

// ObserveAgents 注册按状态划分的智能体数量异步 gauge（agentregistry.agents）。
// counts 在每次采集时调用，必须并发安全；遥测禁用时为空操作。
func (p *Providers) ObserveAgents(counts func() map[string]int) error {
	if p == nil || p.mp == nil {
		return nil
	}
	meter := p.mp.Meter(instrumentationName)
	gauge, err := meter.Int64ObservableGauge("agentregistry.agents",
		metric.WithDescription("Registered agents by serving status"),
		metric.WithUnit("{agent}"),
	)
	if err != nil {
		return fmt.Errorf("create agents gauge: %w", err)
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		byStatus := counts()
		statuses := make([]string, 0, len(byStatus))
		for s := range byStatus {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			obs.ObserveInt64(gauge, int64(byStatus[s]), metric.WithAttributes(attribute.String("status", s)))
		}
		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("register agents callback: %w", err)
	}

	p.mu.Lock()
	p.regs = append(p.regs, reg)
	p.mu.Unlock()
	return nil
}

// Shutdown 注销回调后刷新并关闭导出器。nil 或禁用状态下返回 nil。
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error

	p.mu.Lock()
	regs := p.regs
	p.regs = nil
	p.mu.Unlock()
	for _, reg := range regs {
		if err := reg.Unregister(); err != nil {
			errs = append(errs, fmt.Errorf("unregister callback: %w", err))
		}
	}

	// 先关 tracer 再关 meter，span 导出时仍可能记录指标
	if p.tp != nil {
		errs = append(errs, wrapShutdown("tracer provider", p.tp.Shutdown(ctx)))
	}
	if p.mp != nil {
		errs = append(errs, wrapShutdown("meter provider", p.mp.Shutdown(ctx)))
	}
	return errors.Join(errs...)
}

func wrapShutdown(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("shutdown %s: %w", what, err)
}
