package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/agentregistry/config"
)

// ErrNoDriver database.driver 为空
var ErrNoDriver = errors.New("database driver not configured")

// dialectors 驱动名到 GORM 方言构造函数
var dialectors = map[string]func(dsn string) gorm.Dialector{
	"postgres": postgres.Open,
	"mysql":    mysql.Open,
	"sqlite":   sqlite.Open,
}

// Dialector 根据 database.driver 选择方言；sqlite 的 DSN 即文件路径，不能为空
func Dialector(dbCfg config.DatabaseConfig) (gorm.Dialector, error) {
	if dbCfg.Driver == "" {
		return nil, ErrNoDriver
	}
	open, ok := dialectors[dbCfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q (postgres, mysql or sqlite)", dbCfg.Driver)
	}
	dsn := dbCfg.DSN()
	if dsn == "" {
		return nil, fmt.Errorf("%s: database.name must be set", dbCfg.Driver)
	}
	return open(dsn), nil
}

// zapWriter 把 GORM 的 Printf 风格日志转给 zap。
// GORM 只在 Warn 级别以上回调，因此这里统一记为 Warn。
type zapWriter struct {
	sugar *zap.SugaredLogger
}

func (w zapWriter) Printf(format string, args ...any) {
	w.sugar.Warnf(format, args...)
}

// newGormLogger slow 为 0 时只记录错误
func newGormLogger(logger *zap.Logger, slow time.Duration) gormlogger.Interface {
	return gormlogger.New(zapWriter{sugar: logger.Sugar()}, gormlogger.Config{
		SlowThreshold:             slow,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		ParameterizedQueries:      true,
	})
}

// Open 连接数据库并交给 PoolManager 管理连接池与后台探活
func Open(dbCfg config.DatabaseConfig, logger *zap.Logger, opts ...PoolOption) (*PoolManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "database"), zap.String("driver", dbCfg.Driver))

	dialector, err := Dialector(dbCfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(logger, dbCfg.SlowQueryThreshold),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dbCfg.Driver, err)
	}

	poolCfg := DefaultPoolConfig()
	poolCfg.MaxIdleConns = dbCfg.MaxIdleConns
	poolCfg.MaxOpenConns = dbCfg.MaxOpenConns
	poolCfg.ConnMaxLifetime = dbCfg.ConnMaxLifetime
	poolCfg.ConnMaxIdleTime = dbCfg.ConnMaxIdleTime

	pm, err := NewPoolManager(db, poolCfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	logger.Info("database connected", zap.Int("max_open_conns", poolCfg.MaxOpenConns))
	return pm, nil
}
