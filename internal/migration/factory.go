package migration

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/BaSui01/agentregistry/config"
)

// FromDatabaseConfig 由 database 配置段创建迁移器。
// rawURL 非空时直接使用，只取 dbCfg.Driver 判断方言（对应 --db-url）。
func FromDatabaseConfig(dbCfg config.DatabaseConfig, rawURL string, logger *zap.Logger) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}
	if rawURL == "" {
		rawURL = MigrationURL(dbType, dbCfg)
	}
	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  rawURL,
		TableName:    DefaultTableName,
		Logger:       logger,
	})
}

// MigrationURL 为迁移构造连接串。
// 凭据经过转义；mysql 打开 multiStatements，因为一个迁移文件含多条语句；
// sqlite 的 Name 是文件路径，不存在时创建。
func MigrationURL(dbType DatabaseType, dbCfg config.DatabaseConfig) string {
	hostPort := net.JoinHostPort(dbCfg.Host, strconv.Itoa(dbCfg.Port))
	switch dbType {
	case DatabaseTypePostgres:
		sslMode := dbCfg.SSLMode
		if sslMode == "" {
			sslMode = "require"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(dbCfg.User, dbCfg.Password),
			Host:     hostPort,
			Path:     "/" + dbCfg.Name,
			RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
		}
		return u.String()
	case DatabaseTypeMySQL:
		mc := mysql.NewConfig()
		mc.User = dbCfg.User
		mc.Passwd = dbCfg.Password
		mc.Net = "tcp"
		mc.Addr = hostPort
		mc.DBName = dbCfg.Name
		mc.ParseTime = true
		mc.MultiStatements = true
		return mc.FormatDSN()
	case DatabaseTypeSQLite:
		return "file:" + dbCfg.Name + "?mode=rwc"
	default:
		return ""
	}
}
