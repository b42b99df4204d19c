package telemetry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentregistry/config"
)

// 测试会替换全局 provider，结束时还原
func restoreGlobals(t *testing.T) {
	t.Helper()
	tp, mp := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func enabledConfig(name string) config.TelemetryConfig {
	return config.TelemetryConfig{
		Enabled:        true,
		OTLPEndpoint:   "localhost:4317",
		ServiceName:    name,
		SampleRate:     1,
		Insecure:       true,
		ExportInterval: time.Hour,
	}
}

func shutdownQuietly(t *testing.T, p *Providers) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		// 没有 collector 时导出可能报连接错误
		_ = p.Shutdown(ctx)
	})
}

func TestInit_DisabledIsNoop(t *testing.T) {
	restoreGlobals(t)
	before := otel.GetTracerProvider()

	p, err := Init(config.TelemetryConfig{}, zaptest.NewLogger(t), WithServiceVersion("1.2.3"))
	require.NoError(t, err)
	assert.Nil(t, p.tp)
	assert.Nil(t, p.mp)
	assert.Equal(t, before, otel.GetTracerProvider())
	assert.Equal(t, before, p.TracerProvider())

	require.NoError(t, p.ObserveAgents(func() map[string]int { return nil }))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_InstallsGlobalProviders(t *testing.T) {
	restoreGlobals(t)

	p, err := Init(enabledConfig("agentregistry-test"), nil,
		WithServiceVersion("1.2.3"),
		WithInstanceID("node-a"),
	)
	require.NoError(t, err)
	shutdownQuietly(t, p)

	require.NotNil(t, p.tp)
	require.NotNil(t, p.mp)
	assert.Same(t, p.tp, otel.GetTracerProvider())
	_, ok := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, ok)
	assert.Same(t, p.tp, p.TracerProvider())
}

func TestNewResource(t *testing.T) {
	o := options{version: "dev"}
	WithServiceVersion("")(&o)
	WithServiceVersion("2.0.0")(&o)
	WithInstanceID("node-b")(&o)
	WithAttributes(attribute.String("deployment.environment", "staging"))(&o)

	res, err := newResource(context.Background(), "agentregistry", o)
	require.NoError(t, err)

	set := res.Set()
	for key, want := range map[attribute.Key]string{
		semconv.ServiceNameKey:       "agentregistry",
		semconv.ServiceVersionKey:    "2.0.0",
		semconv.ServiceInstanceIDKey: "node-b",
		"deployment.environment":     "staging",
	} {
		v, ok := set.Value(key)
		require.True(t, ok, "missing %s", key)
		assert.Equal(t, want, v.AsString(), string(key))
	}
}

func TestProviders_ObserveAgents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	p := &Providers{mp: mp}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	var calls atomic.Int32
	require.NoError(t, p.ObserveAgents(func() map[string]int {
		calls.Add(1)
		return map[string]int{"active": 3, "suspended": 1}
	}))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int32(1), calls.Load())

	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "agentregistry.agents" {
				continue
			}
			assert.Equal(t, "{agent}", m.Unit)
			gauge, ok := m.Data.(metricdata.Gauge[int64])
			require.True(t, ok)
			for _, dp := range gauge.DataPoints {
				status, _ := dp.Attributes.Value("status")
				got[status.AsString()] = dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"active": 3, "suspended": 1}, got)

	// Shutdown 注销回调
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Empty(t, p.regs)
}

func TestProviders_NilSafe(t *testing.T) {
	var p *Providers
	assert.NotNil(t, p.TracerProvider())
	assert.NoError(t, p.ObserveAgents(func() map[string]int { return nil }))
	assert.NoError(t, p.Shutdown(context.Background()))

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	assert.Same(t, tp, (&Providers{tp: tp}).TracerProvider())
}
