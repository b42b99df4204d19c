package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agentregistry/config"
)

// =============================================================================
// 📝 日志构建
// =============================================================================

// 采样：每秒同一消息前 100 条全部输出，之后每 100 条输出 1 条
const (
	sampleInitial    = 100
	sampleThereafter = 100
)

// Option 调整构建出的 logger
type Option func(*options)

type options struct {
	fields []zap.Field
}

// WithFields 每条日志都携带的字段，如服务名与版本
func WithFields(fields ...zap.Field) Option {
	return func(o *options) { o.fields = append(o.fields, fields...) }
}

// New 按配置构建 logger。返回的 AtomicLevel 可在运行时调整级别，
// 它本身实现了 http.Handler（GET 查询、PUT 修改）。
func New(cfg config.LogConfig, opts ...Option) (*zap.Logger, zap.AtomicLevel, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	atomic := zap.NewAtomicLevelAt(level)

	zc := zap.Config{
		Level:             atomic,
		Encoding:          "json",
		EncoderConfig:     encoderConfig(cfg.Format),
		OutputPaths:       cfg.OutputPaths,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}
	if len(zc.OutputPaths) == 0 {
		zc.OutputPaths = []string{"stdout"}
	}
	if strings.EqualFold(cfg.Format, "console") {
		zc.Encoding = "console"
		zc.Development = true
	}
	if cfg.Sampling {
		zc.Sampling = &zap.SamplingConfig{Initial: sampleInitial, Thereafter: sampleThereafter}
	}

	var buildOpts []zap.Option
	if len(o.fields) > 0 {
		buildOpts = append(buildOpts, zap.Fields(o.fields...))
	}
	logger, err := zc.Build(buildOpts...)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("build logger: %w", err)
	}
	return logger, atomic, nil
}

// Validate 检查级别与编码，供配置加载时提前报错
func Validate(cfg config.LogConfig) error {
	if _, err := ParseLevel(cfg.Level); err != nil {
		return err
	}
	switch strings.ToLower(cfg.Format) {
	case "", "json", "console":
		return nil
	default:
		return fmt.Errorf("invalid log format %q (json or console)", cfg.Format)
	}
}

// ParseLevel 空串视为 info，另接受 warning 作为 warn 的别名
func ParseLevel(s string) (zapcore.Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	}
	level, err := zapcore.ParseLevel(name)
	if err != nil {
		return level, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func encoderConfig(format string) zapcore.EncoderConfig {
	if strings.EqualFold(format, "console") {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return ec
	}
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.MillisDurationEncoder
	return ec
}
