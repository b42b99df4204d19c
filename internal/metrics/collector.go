package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 注册中心指标
// =============================================================================

// 请求耗时桶：注册中心操作都在内存里完成，关注亚毫秒到秒级
var opBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}

// Collector 实现 discovery.Recorder 与 server.HTTPRecorder
type Collector struct {
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	registrations   *prometheus.CounterVec
	unregistrations *prometheus.CounterVec
	operations      *prometheus.CounterVec
	opDuration      *prometheus.HistogramVec
	agents          prometheus.Gauge

	healthChecks      *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	slaViolations     *prometheus.CounterVec
	autoSuspensions   prometheus.Counter
	persistenceErrors *prometheus.CounterVec

	dbConnections *prometheus.GaugeVec

	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// Option 调整 Collector 的注册位置
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
}

// WithRegistry 把指标注册到独立的 registry，/metrics 通过 Gatherer 读取同一个 registry。
// 不设置时使用 prometheus 默认 registry，同一进程只能创建一次。
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		if reg != nil {
			o.registerer, o.gatherer = reg, reg
		}
	}
}

// NewCollector 以 namespace 为前缀注册全部指标
func NewCollector(namespace string, logger *zap.Logger, opts ...Option) *Collector {
	o := options{registerer: prometheus.DefaultRegisterer, gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	f := promauto.With(o.registerer)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	c := &Collector{
		httpRequests: counter("http_requests_total", "Ops endpoint requests by method, route and status class.",
			"method", "path", "status"),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Ops endpoint request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		registrations:   counter("registrations_total", "Agent registration attempts by tenant and result.", "tenant", "status"),
		unregistrations: counter("unregistrations_total", "Agent unregistrations by tenant.", "tenant"),
		operations:      counter("requests_total", "Registry operations by name and result.", "operation", "status"),
		opDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Registry operation latency.",
			Buckets:   opBuckets,
		}, []string{"operation"}),
		agents: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_agents",
			Help:      "Agents currently in the registry.",
		}),

		healthChecks:  counter("health_checks_total", "Health checks by resulting status.", "status"),
		transitions:   counter("agent_state_transitions_total", "Lifecycle state transitions.", "from_state", "to_state"),
		slaViolations: counter("sla_violations_total", "SLA violations per agent.", "agent_id"),
		autoSuspensions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_suspensions_total",
			Help:      "Agents suspended after consecutive failed checks.",
		}),
		persistenceErrors: counter("persistence_errors_total", "Failed persistence writes by operation.", "operation"),

		dbConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections",
			Help:      "SQL pool connections by state (open, in_use, idle).",
		}, []string{"database", "state"}),

		gatherer: o.gatherer,
		logger:   logger.With(zap.String("component", "metrics")),
	}
	c.logger.Debug("metrics registered", zap.String("namespace", namespace))
	return c
}

// Gatherer 返回指标所在的 registry，供 /metrics 使用
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.gatherer
}

func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// discovery.Recorder
// =============================================================================

func (c *Collector) RecordRegistration(tenant string, success bool) {
	c.registrations.WithLabelValues(tenant, outcome(success)).Inc()
}

func (c *Collector) RecordUnregistration(tenant string) {
	c.unregistrations.WithLabelValues(tenant).Inc()
}

// RecordRequest 记录 discover、match、rank 等服务操作
func (c *Collector) RecordRequest(operation string, duration time.Duration, err error) {
	c.operations.WithLabelValues(operation, outcome(err == nil)).Inc()
	c.opDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (c *Collector) SetRegisteredAgents(n int) {
	c.agents.Set(float64(n))
}

func (c *Collector) RecordHealthCheck(status string) {
	c.healthChecks.WithLabelValues(status).Inc()
}

func (c *Collector) RecordStateTransition(from, to string) {
	c.transitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) RecordSLAViolation(agentID string) {
	c.slaViolations.WithLabelValues(agentID).Inc()
}

func (c *Collector) RecordAutoSuspension() {
	c.autoSuspensions.Inc()
}

// RecordPersistenceError 持久化失败不影响内存状态，只计数
func (c *Collector) RecordPersistenceError(operation string) {
	c.persistenceErrors.WithLabelValues(operation).Inc()
	c.logger.Debug("persistence error recorded", zap.String("operation", operation))
}

// RecordDBConnections 由连接池探活回调上报
func (c *Collector) RecordDBConnections(database string, open, inUse, idle int) {
	c.dbConnections.WithLabelValues(database, "open").Set(float64(open))
	c.dbConnections.WithLabelValues(database, "in_use").Set(float64(inUse))
	c.dbConnections.WithLabelValues(database, "idle").Set(float64(idle))
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// statusClass 把状态码折叠为 2xx/3xx/4xx/5xx，控制标签基数
func statusClass(code int) string {
	if code < 200 || code > 599 {
		return "unknown"
	}
	return string(rune('0'+code/100)) + "xx"
}
